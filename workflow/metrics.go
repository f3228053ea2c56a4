package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎的 prometheus 指标, nil 表示不采集
type Metrics struct {
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	taskAttempts       *prometheus.HistogramVec
	tasksInFlight      prometheus.Gauge
	unknownTaskTypes   *prometheus.CounterVec
	fetchErrors        prometheus.Counter
	scheduledTasks     *prometheus.CounterVec
	cronErrors         *prometheus.CounterVec
	workflowInstances  *prometheus.CounterVec
	workflowDispatched prometheus.Counter
}

// NewMetrics reg 为 nil 时注册到 prometheus.DefaultRegisterer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of executed tasks by terminal status",
			},
			[]string{"task_type", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type"},
		),
		taskAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempts",
				Help:      "Number of before/handle/after cycles per task",
				Buckets:   []float64{0, 1, 2, 3, 5, 10},
			},
			[]string{"task_type"},
		),
		tasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_tasks_in_flight",
				Help:      "Number of tasks currently executing",
			},
		),
		unknownTaskTypes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_unknown_task_type_total",
				Help:      "Tasks dropped because no handler is registered for their type",
			},
			[]string{"task_type"},
		),
		fetchErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_fetch_errors_total",
				Help:      "Failed fetches from the task source",
			},
		),
		scheduledTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_generated_tasks_total",
				Help:      "Scheduled tasks produced by trigger expansion",
			},
			[]string{"trigger_id"},
		),
		cronErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_cron_errors_total",
				Help:      "Triggers skipped because of an invalid cron expression",
			},
			[]string{"trigger_id"},
		),
		workflowInstances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_instances_total",
				Help:      "Workflow instances by terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		workflowDispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_node_dispatched_total",
				Help:      "Node tasks dispatched by workflow instances",
			},
		),
	}
}

func (m *Metrics) observeTask(task *ExecutionTask) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(task.TaskType, task.Status()).Inc()
	m.taskDuration.WithLabelValues(task.TaskType).Observe(task.Duration().Seconds())
	m.taskAttempts.WithLabelValues(task.TaskType).Observe(float64(task.Attempts))
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

func (m *Metrics) taskFinished() {
	if m == nil {
		return
	}
	m.tasksInFlight.Dec()
}

func (m *Metrics) incUnknownTaskType(taskType string) {
	if m == nil {
		return
	}
	m.unknownTaskTypes.WithLabelValues(taskType).Inc()
}

func (m *Metrics) incFetchError() {
	if m == nil {
		return
	}
	m.fetchErrors.Inc()
}

func (m *Metrics) addScheduledTasks(triggerID string, n int) {
	if m == nil {
		return
	}
	m.scheduledTasks.WithLabelValues(triggerID).Add(float64(n))
}

func (m *Metrics) incCronError(triggerID string) {
	if m == nil {
		return
	}
	m.cronErrors.WithLabelValues(triggerID).Inc()
}

func (m *Metrics) observeInstance(workflowID string, status WorkflowInstanceStatus) {
	if m == nil {
		return
	}
	m.workflowInstances.WithLabelValues(workflowID, status).Inc()
}

func (m *Metrics) incDispatched() {
	if m == nil {
		return
	}
	m.workflowDispatched.Inc()
}
