package metadata

import "time"

// LogStatus is the state of a run log
type LogStatus int

const (
	LogStarted  LogStatus = 0
	LogRunning  LogStatus = 1
	LogFinished LogStatus = 2
)

// IngestLog is the record of one task run
type IngestLog struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batchId"`
	TaskID       string     `json:"taskId"`
	TaskName     string     `json:"taskName"`
	Status       LogStatus  `json:"status"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	RecordCount  int64      `json:"recordCount"`
	SuccessCount int64      `json:"successCount"`
	FailCount    int64      `json:"failCount"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ExecuteLog   string     `json:"executeLog,omitempty"`
}

// TaskRun is a finished run added to a task's statistics
type TaskRun struct {
	TaskID     string
	Status     int
	Processed  int64
	Failed     int64
	ExecutedAt time.Time
	Error      string
}

// TaskStats are the accumulated counters of a task
type TaskStats struct {
	TaskID          string     `json:"taskId"`
	Status          int        `json:"status"`
	TotalRuns       int64      `json:"totalRuns"`
	TotalProcessed  int64      `json:"totalProcessed"`
	TotalFailed     int64      `json:"totalFailed"`
	LastExecuteTime *time.Time `json:"lastExecuteTime,omitempty"`
	NextExecuteTime *time.Time `json:"nextExecuteTime,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TableRegistration describes an ODS table created for a task
type TableRegistration struct {
	TaskID       string    `json:"taskId"`
	SourceTable  string    `json:"sourceTable"`
	TargetSchema string    `json:"targetSchema"`
	TargetTable  string    `json:"targetTable"`
	KeyColumns   []string  `json:"keyColumns"`
	DataColumns  []string  `json:"dataColumns"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
