package workflow

import (
	"time"

	"github.com/pkg/errors"
)

// WorkerConfig worker 运行参数
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" env:"CONCURRENCY" json:"concurrency" validate:"gte=1"`
	TaskLimit       int           `yaml:"task_limit" env:"TASK_LIMIT" json:"task_limit" validate:"gte=0"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" json:"poll_interval" validate:"gt=0"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE" json:"queue_size" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"gte=0"`
	FetchBatchSize  int           `yaml:"fetch_batch_size" env:"FETCH_BATCH_SIZE" json:"fetch_batch_size" validate:"gte=0"`
}

// SchedulerConfig 每 Interval 展开一次 [now, now+Lookahead)
type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED" json:"enabled"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL" json:"interval" validate:"gt=0"`
	Lookahead time.Duration `yaml:"lookahead" env:"LOOKAHEAD" json:"lookahead" validate:"gtfield=Interval"`
	// 同一个调度任务启动时的锁超时
	LaunchLockTTL time.Duration `yaml:"launch_lock_ttl" env:"LAUNCH_LOCK_TTL" json:"launch_lock_ttl" validate:"gt=0"`
}

type EngineConfig struct {
	Worker      WorkerConfig    `yaml:"worker" env:"WORKER" json:"worker"`
	Scheduler   SchedulerConfig `yaml:"scheduler" env:"SCHEDULER" json:"scheduler"`
	MailboxSize int             `yaml:"mailbox_size" env:"MAILBOX_SIZE" json:"mailbox_size" validate:"gte=0"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Worker: WorkerConfig{
			Concurrency:     4,
			PollInterval:    100 * time.Millisecond,
			QueueSize:       16,
			ShutdownTimeout: 30 * time.Second,
			FetchBatchSize:  16,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      time.Second,
			Lookahead:     10 * time.Second,
			LaunchLockTTL: time.Minute,
		},
		MailboxSize: defaultMailboxSize,
	}
}

func (c *EngineConfig) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "engine config validate failed, err:%v", err)
	}
	return nil
}

// WorkerOptions 转成 NewWorker 的参数
func (c WorkerConfig) WorkerOptions() []WorkerOption {
	return []WorkerOption{
		WithConcurrency(c.Concurrency),
		WithTaskLimit(c.TaskLimit),
		WithPollInterval(c.PollInterval),
		WithQueueSize(c.QueueSize),
		WithShutdownTimeout(c.ShutdownTimeout),
	}
}
