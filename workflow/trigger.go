package workflow

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// cronParser 秒字段可选: "*/5 * * * * *" 和 "*/5 * * * *" 都可以, 也支持 @every/@hourly 这类描述符
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func ParseCronExpression(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidCronExpression, "expr:%q, err:%v", expr, err)
	}
	return schedule, nil
}

// Trigger 周期性启动一个工作流
type Trigger struct {
	ID             string `json:"id" yaml:"id" validate:"required"`
	CronExpression string `json:"cron_expression" yaml:"cron_expression" validate:"required"`
	WorkflowID     string `json:"workflow_id" yaml:"workflow_id" validate:"required"`
}

func NewTrigger(id, cronExpression, workflowID string) *Trigger {
	return &Trigger{
		ID:             id,
		CronExpression: cronExpression,
		WorkflowID:     workflowID,
	}
}

func (t *Trigger) Validate() error {
	if err := validatorUtil.Struct(t); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "trigger validate failed, err:%v", err)
	}
	if _, err := ParseCronExpression(t.CronExpression); err != nil {
		return err
	}
	return nil
}

// NextRunTimes 返回 [start, end) 区间内的所有触发时间
func (t *Trigger) NextRunTimes(start, end time.Time) ([]time.Time, error) {
	schedule, err := ParseCronExpression(t.CronExpression)
	if err != nil {
		return nil, errors.WithMessagef(err, "trigger:%s", t.ID)
	}
	var times []time.Time
	// Next 返回严格大于参数的时间, 往前退1ns让 start 本身也能命中
	for next := schedule.Next(start.Add(-time.Nanosecond)); !next.IsZero() && next.Before(end); next = schedule.Next(next) {
		if next.Before(start) {
			continue
		}
		times = append(times, next)
	}
	return times, nil
}

// Expand 把 trigger 在 [start, end) 内展开成具体的调度任务
// cron 表达式不合法时返回空列表和错误, 由调用方决定是否继续处理其他 trigger
func (t *Trigger) Expand(start, end time.Time) ([]*ScheduledTask, error) {
	runTimes, err := t.NextRunTimes(start, end)
	if err != nil {
		return []*ScheduledTask{}, err
	}
	tasks := make([]*ScheduledTask, 0, len(runTimes))
	for _, runAt := range runTimes {
		tasks = append(tasks, &ScheduledTask{
			ID:         ScheduledTaskID(t.ID, runAt),
			RunAt:      runAt,
			WorkflowID: t.WorkflowID,
			TriggerID:  t.ID,
		})
	}
	return tasks, nil
}

// ScheduledTask 一次具体的工作流启动, 同一个 trigger 同一秒只会有一个
type ScheduledTask struct {
	ID         string    `json:"id"`
	RunAt      time.Time `json:"run_at"`
	WorkflowID string    `json:"workflow_id"`
	TriggerID  string    `json:"trigger_id"`
}

func ScheduledTaskID(triggerID string, runAt time.Time) string {
	return fmt.Sprintf("%s-%d", triggerID, runAt.Unix())
}

// Less 按 run_at 升序, 相同时间按 id, 保证顺序稳定
func (s *ScheduledTask) Less(other *ScheduledTask) bool {
	if !s.RunAt.Equal(other.RunAt) {
		return s.RunAt.Before(other.RunAt)
	}
	return s.ID < other.ID
}
