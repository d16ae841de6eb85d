package http

// TaskCounts summarizes the tasks held by the service.
type TaskCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Counter reports task counts.
type Counter interface {
	Count() int
	ActiveCount() int
}

// CountTasks reads task counts. A nil counter yields (-1, -1), meaning
// unknown.
func CountTasks(c Counter) TaskCounts {
	if c == nil {
		return TaskCounts{Total: -1, Active: -1}
	}
	return TaskCounts{Total: c.Count(), Active: c.ActiveCount()}
}
