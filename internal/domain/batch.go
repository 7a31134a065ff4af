package domain

import "time"

// BatchResult summarises one dispatch batch.
type BatchResult struct {
	TotalProcessed int               `json:"totalProcessed"`
	SuccessCount   int               `json:"successCount"`
	FailedCount    int               `json:"failedCount"`
	Errors         map[string]string `json:"errors"`
}

func NewBatchResult() *BatchResult {
	return &BatchResult{Errors: make(map[string]string)}
}

func (r *BatchResult) RecordSuccess() {
	r.TotalProcessed++
	r.SuccessCount++
}

func (r *BatchResult) RecordFailure(recordID string, reason string) {
	r.TotalProcessed++
	r.FailedCount++
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[recordID] = reason
}

func (r *BatchResult) HasProcessed() bool { return r.TotalProcessed > 0 }

func (r *BatchResult) IsFullySuccessful() bool { return r.FailedCount == 0 }

// SuccessRate returns the share of delivered records as a percentage.
func (r *BatchResult) SuccessRate() float64 {
	if r.TotalProcessed == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.TotalProcessed) * 100
}

// RunStatus is the outcome of a recorded dispatch run.
type RunStatus string

const (
	RunStatusCompleted      RunStatus = "COMPLETED"
	RunStatusPartialFailure RunStatus = "PARTIAL_FAILURE"
	RunStatusFailed         RunStatus = "FAILED"
)

func (s RunStatus) String() string { return string(s) }

// RunStatusFor derives the run status from a batch result.
func RunStatusFor(r *BatchResult) RunStatus {
	switch {
	case r.IsFullySuccessful():
		return RunStatusCompleted
	case r.SuccessCount == 0:
		return RunStatusFailed
	default:
		return RunStatusPartialFailure
	}
}

// DispatchRun is the persisted history entry of a batch that processed records.
type DispatchRun struct {
	ID             string
	Status         RunStatus
	TotalProcessed int
	SuccessCount   int
	FailedCount    int
	StartedAt      time.Time
	FinishedAt     time.Time
}
