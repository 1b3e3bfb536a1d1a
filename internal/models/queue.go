package models

// QueueStatus is the snapshot served to the admin surface.
type QueueStatus struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// BatchResult summarizes one scheduler run.
type BatchResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Queued    int `json:"queued"`
}
