package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type TriggerPo struct {
	ID             string `gorm:"column:id;primaryKey;size:64" json:"id"`
	CronExpression string `gorm:"column:cron_expression;size:128" json:"cron_expression"`
	WorkflowID     string `gorm:"column:workflow_id;size:64;index" json:"workflow_id"`
	Enabled        bool   `gorm:"column:enabled" json:"enabled"`
	CreatedAt      int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (TriggerPo) TableName() string {
	return "workflow_trigger"
}

func (p *TriggerPo) ToTrigger() *Trigger {
	return NewTrigger(p.ID, p.CronExpression, p.WorkflowID)
}

type WorkflowInstancePo struct {
	ID              string                 `gorm:"column:id;primaryKey;size:64" json:"id"`
	WorkflowID      string                 `gorm:"column:workflow_id;size:64;index" json:"workflow_id"`
	TriggerID       string                 `gorm:"column:trigger_id;size:64" json:"trigger_id"`
	ScheduledTaskID string                 `gorm:"column:scheduled_task_id;size:128;index" json:"scheduled_task_id"`
	Status          WorkflowInstanceStatus `gorm:"column:status;size:32" json:"status"`
	WorkflowContext []byte                 `gorm:"column:workflow_context" json:"workflow_context"` // 工作流上下文
	ErrorMessage    string                 `gorm:"column:error_message" json:"error_message"`
	CreatedAt       int64                  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64                  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type TaskResultPo struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TaskID      string     `gorm:"column:task_id;size:64;index" json:"task_id"`
	InstanceID  string     `gorm:"column:instance_id;size:64;index" json:"instance_id"`
	NodeID      string     `gorm:"column:node_id;size:64" json:"node_id"`
	TaskType    string     `gorm:"column:task_type;size:64" json:"task_type"`
	Status      TaskStatus `gorm:"column:status;size:32" json:"status"`
	Attempts    int        `gorm:"column:attempts" json:"attempts"`
	MaxAttempts int        `gorm:"column:max_attempts" json:"max_attempts"`
	LastError   string     `gorm:"column:last_error" json:"last_error"`
	Data        []byte     `gorm:"column:data" json:"data"` // 执行结束时的任务数据, 包含节点输出
	StartTime   int64      `gorm:"column:start_time" json:"start_time"` // 毫秒
	EndTime     int64      `gorm:"column:end_time" json:"end_time"`     // 毫秒
	CreatedAt   int64      `gorm:"column:created_at" json:"created_at"`
}

func (TaskResultPo) TableName() string {
	return "task_result"
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&TriggerPo{}, &WorkflowInstancePo{}, &TaskResultPo{}}
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryTriggerParams struct {
	TriggerID    *string `json:"trigger_id"`
	WorkflowID   *string `json:"workflow_id"`
	Enabled      *bool   `json:"enabled"`
	OrderbyIDAsc *bool   `json:"orderby_id_asc"`
	Page         *Pager  `json:"page"`
}

type UpdateTriggerParams struct {
	TriggerID      string  `json:"trigger_id" validate:"required"`
	CronExpression *string `json:"cron_expression"`
	Enabled        *bool   `json:"enabled"`
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *string  `json:"workflow_instance_id"`
	WorkflowIDIn       []string `json:"workflow_id_in"`
	ScheduledTaskID    *string  `json:"scheduled_task_id"`
	StatusIn           []string `json:"status_in"`
	OrderbyCreatedAsc  *bool    `json:"orderby_created_asc"`
	Page               *Pager   `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where  *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowInstanceField `json:"field" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn     []string `json:"id_in"`
	StatusIn []string `json:"status_in"`
}

type UpdateWorkflowInstanceField struct {
	Status          *string      `json:"status"`
	WorkflowContext *JSONContext `json:"workflow_context"`
	ErrorMessage    *string      `json:"error_message"`
}

type QueryTaskResultParams struct {
	InstanceID   *string  `json:"instance_id"`
	TaskID       *string  `json:"task_id"`
	NodeID       *string  `json:"node_id"`
	StatusIn     []string `json:"status_in"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

// AutoMigrate 建表, 生产环境可以自己管理表结构
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}

func applyPager(db *gorm.DB, page *Pager) (*gorm.DB, error) {
	if page == nil {
		return nil, errors.New("page is nil")
	}
	if page.IsNoLimit != nil && *page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
	return db.Offset(int(page.Page-1) * int(page.Size)).Limit(int(page.Size)), nil
}

func (r *workflowRepo) CreateTrigger(ctx context.Context, trigger *TriggerPo) (*TriggerPo, error) {
	if trigger == nil {
		return nil, errors.New("nil TriggerPo")
	}
	if err := trigger.ToTrigger().Validate(); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(trigger).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateTrigger failed")
	}
	return trigger, nil
}

func buildQueryTriggerParams(db *gorm.DB, param *QueryTriggerParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryTriggerParams")
	}
	if param.TriggerID != nil {
		db = db.Where("id = ?", *param.TriggerID)
	}
	if param.WorkflowID != nil {
		db = db.Where("workflow_id = ?", *param.WorkflowID)
	}
	if param.Enabled != nil {
		db = db.Where("enabled = ?", *param.Enabled)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryTrigger(ctx context.Context, param *QueryTriggerParams) ([]*TriggerPo, error) {
	db, err := buildQueryTriggerParams(r.GetDBWithContext(ctx).Model(&TriggerPo{}), param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryTriggerParams failed")
	}
	pos := make([]*TriggerPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryTrigger failed")
	}
	return pos, nil
}

func (r *workflowRepo) UpdateTrigger(ctx context.Context, param *UpdateTriggerParams) error {
	if param == nil {
		return errors.New("nil UpdateTriggerParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "UpdateTrigger, err:%v", err)
	}
	updateFields := make(map[string]any)
	if param.CronExpression != nil {
		if _, err := ParseCronExpression(*param.CronExpression); err != nil {
			return err
		}
		updateFields["cron_expression"] = *param.CronExpression
	}
	if param.Enabled != nil {
		updateFields["enabled"] = *param.Enabled
	}
	if len(updateFields) == 0 {
		return errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	result := r.GetDBWithContext(ctx).Model(&TriggerPo{}).Where("id = ?", param.TriggerID).Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateTrigger failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrTriggerNotFound, "trigger:%s", param.TriggerID)
	}
	return nil
}

func (r *workflowRepo) DeleteTrigger(ctx context.Context, triggerID string) error {
	result := r.GetDBWithContext(ctx).Where("id = ?", triggerID).Delete(&TriggerPo{})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "DeleteTrigger failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrTriggerNotFound, "trigger:%s", triggerID)
	}
	return nil
}

// ListTriggers 所有启用中的 trigger
func (r *workflowRepo) ListTriggers(ctx context.Context) ([]*Trigger, error) {
	pos, err := r.QueryTrigger(ctx, &QueryTriggerParams{
		Enabled:      Bool(true),
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, err
	}
	triggers := make([]*Trigger, 0, len(pos))
	for _, po := range pos {
		triggers = append(triggers, po.ToTrigger())
	}
	return triggers, nil
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, errors.New("nil WorkflowInstancePo")
	}
	now := time.Now().Unix()
	workflowInstance.CreatedAt = now
	workflowInstance.UpdatedAt = now
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowInstanceID)
	}
	if len(param.WorkflowIDIn) != 0 {
		db = db.Where("workflow_id IN ?", param.WorkflowIDIn)
	}
	if param.ScheduledTaskID != nil {
		db = db.Where("scheduled_task_id = ?", *param.ScheduledTaskID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyCreatedAsc != nil {
		if *param.OrderbyCreatedAsc {
			db = db.Order("created_at asc")
		} else {
			db = db.Order("created_at desc")
		}
	}
	return applyPager(db, param.Page)
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	db, err := buildQueryWorkflowInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	db, err := buildQueryWorkflowInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	isHasWhere := false
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if !isHasWhere {
		return nil, errors.New("update workflow instance need where condition")
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.WorkflowContext != nil {
		jsonData, err := fields.WorkflowContext.ToBytes()
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.WorkflowContext failed")
		}
		updateFields["workflow_context"] = jsonData
	}
	if fields.ErrorMessage != nil {
		updateFields["error_message"] = *fields.ErrorMessage
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error {
	if param == nil {
		return errors.New("nil UpdateWorkflowInstanceParams")
	}
	if err := validatorUtil.Struct(param); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "UpdateWorkflowInstance, err:%v", err)
	}
	db, err := buildUpdateWorkflowInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	if err := db.Updates(updateFields).Error; err != nil {
		return errors.WithMessage(err, "UpdateWorkflowInstance failed")
	}
	return nil
}

// SaveTaskResult 每个任务的终态写一行
func (r *workflowRepo) SaveTaskResult(ctx context.Context, task *ExecutionTask) error {
	if task == nil {
		return errors.New("nil ExecutionTask")
	}
	data, err := task.Data.ToBytes()
	if err != nil {
		return errors.WithMessage(err, "Marshal task data failed")
	}
	po := &TaskResultPo{
		TaskID:      task.ID,
		InstanceID:  task.InstanceID,
		NodeID:      task.NodeID,
		TaskType:    task.TaskType,
		Status:      task.Status(),
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxAttempts,
		LastError:   task.LastError,
		Data:        data,
		StartTime:   task.StartTime.UnixMilli(),
		EndTime:     task.EndTime.UnixMilli(),
		CreatedAt:   time.Now().Unix(),
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return errors.WithMessage(err, "SaveTaskResult failed")
	}
	return nil
}

func (r *workflowRepo) QueryTaskResult(ctx context.Context, param *QueryTaskResultParams) ([]*TaskResultPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryTaskResultParams")
	}
	db := r.GetDBWithContext(ctx).Model(&TaskResultPo{})
	if param.InstanceID != nil {
		db = db.Where("instance_id = ?", *param.InstanceID)
	}
	if param.TaskID != nil {
		db = db.Where("task_id = ?", *param.TaskID)
	}
	if param.NodeID != nil {
		db = db.Where("node_id = ?", *param.NodeID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	db, err := applyPager(db, param.Page)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryTaskResult failed")
	}
	pos := make([]*TaskResultPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryTaskResult failed")
	}
	return pos, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx
}

// Transaction ctx 中已经有事务时复用外层事务
func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
