package executor

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NewHttpHandler exposes monitor statistics as Prometheus-style text
// metrics.
func NewHttpHandler(executors []Executor, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		metrics := ""

		metrics += fmt.Sprintln("# TYPE nanoflow_tasks_active gauge")
		metrics += fmt.Sprintln("# HELP nanoflow_tasks_active The number of tasks currently holding a queue slot.")
		for _, exec := range executors {
			stats := exec.Monitor().Statistics()
			metrics += fmt.Sprintf("nanoflow_tasks_active{executor=%q} %d\n", stats.Executor, stats.Active)
		}

		metrics += fmt.Sprintln("# TYPE nanoflow_tasks_running gauge")
		metrics += fmt.Sprintln("# HELP nanoflow_tasks_running The number of tasks currently running.")
		for _, exec := range executors {
			stats := exec.Monitor().Statistics()
			metrics += fmt.Sprintf("nanoflow_tasks_running{executor=%q} %d\n", stats.Executor, stats.Running)
		}

		metrics += fmt.Sprintln("# TYPE nanoflow_tasks_completed_total counter")
		metrics += fmt.Sprintln("# HELP nanoflow_tasks_completed_total The total number of completed tasks.")
		for _, exec := range executors {
			stats := exec.Monitor().Statistics()
			metrics += fmt.Sprintf("nanoflow_tasks_completed_total{executor=%q} %d\n", stats.Executor, stats.Completed)
		}

		metrics += fmt.Sprintln("# TYPE nanoflow_tasks_failed_total counter")
		metrics += fmt.Sprintln("# HELP nanoflow_tasks_failed_total The total number of tasks that completed with a non-zero exit status.")
		for _, exec := range executors {
			stats := exec.Monitor().Statistics()
			metrics += fmt.Sprintf("nanoflow_tasks_failed_total{executor=%q} %d\n", stats.Executor, stats.Failed)
		}

		c.String(http.StatusOK, metrics)
		return nil
	})
}
