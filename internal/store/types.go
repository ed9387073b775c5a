package store

// Deployment pins a storage root to its shard depth.
type Deployment struct {
	Root      string `json:"root"`
	Depth     int    `json:"depth"`
	Alphabet  string `json:"alphabet"`
	CreatedAt int64  `json:"created_at"`
}

// RunKind names the operation a run performed.
type RunKind string

const (
	RunInit    RunKind = "init"
	RunImport  RunKind = "import"
	RunCompact RunKind = "compact"
)

// RunStatus is the terminal (or current) state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusInterrupted RunStatus = "interrupted"
	StatusFailed      RunStatus = "failed"
)

// Run is one recorded invocation against a storage root.
// Timestamps are Unix seconds; FinishedAt is 0 while the run is in flight.
type Run struct {
	ID         string    `json:"id"`
	Root       string    `json:"root"`
	Kind       RunKind   `json:"kind"`
	Status     RunStatus `json:"status"`
	Separator  string    `json:"separator,omitempty"`
	Processed  int64     `json:"processed"`
	Added      int64     `json:"added"`
	Dropped    int64     `json:"dropped"`
	Warnings   int64     `json:"warnings"`
	Sources    int64     `json:"sources"`
	StartedAt  int64     `json:"started_at"`
	FinishedAt int64     `json:"finished_at,omitempty"`
}

// RunWarning is a non-fatal problem recorded against a run: an abandoned
// source or a bucket that could not be read or flushed.
type RunWarning struct {
	RunID   string `json:"run_id"`
	Source  string `json:"source"`
	Message string `json:"message"`
}
