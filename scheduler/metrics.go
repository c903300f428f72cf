package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Number of tasks run, by task type.",
		},
		[]string{"type"},
	)

	taskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Subsystem: "scheduler",
			Name:      "task_failures_total",
			Help:      "Number of tasks that returned an error.",
		},
		[]string{"type"},
	)

	pendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletd",
		Subsystem: "scheduler",
		Name:      "pending_tasks",
		Help:      "Number of pending tasks in the last iteration.",
	})

	loopIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletd",
		Subsystem: "scheduler",
		Name:      "loop_iterations_total",
		Help:      "Number of iterations of the task loop.",
	})
)

// Collectors returns the metrics of the scheduler.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tasksDispatched, taskFailures, pendingTasks, loopIterations,
	}
}
