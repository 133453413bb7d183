package treesync

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/syncerr"
)

// Decision is what the synchronizer chose to do with one item.
type Decision string

const (
	DecisionCreateDir    Decision = "create-parent-dir"
	DecisionTransfer     Decision = "transfer"
	DecisionSkip         Decision = "skip"
	DecisionDeleteOrphan Decision = "delete-orphan"
	DecisionKeepOrphan   Decision = "keep-orphan"
)

// Failure is one item that could not be synced.
type Failure struct {
	Path  string       `json:"path"`
	Op    string       `json:"op"`
	Kind  syncerr.Kind `json:"kind"`
	Error string       `json:"error"`
}

// Report summarizes a run. It is safe for concurrent use while the run is
// in progress and read-only afterwards.
type Report struct {
	mu sync.Mutex

	RunID       string        `json:"run_id"`
	DryRun      bool          `json:"dry_run"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Dirs        int           `json:"dirs"`
	Files       int           `json:"files"`
	Transferred int           `json:"transferred"`
	Skipped     int           `json:"skipped"`
	Deleted     int           `json:"deleted"`
	Failed      int           `json:"failed"`
	Bytes       int64         `json:"bytes"`
	Aborted     bool          `json:"aborted"`
	AbortReason string        `json:"abort_reason,omitempty"`
	Failures    []Failure     `json:"failures"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
}

func (r *Report) addDir() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dirs++
}

func (r *Report) addTransferred(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Files++
	r.Transferred++
	r.Bytes += size
}

func (r *Report) addSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Files++
	r.Skipped++
}

func (r *Report) addDeleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted++
}

// addFailure records a failed item. file marks failures that count
// towards the per-file totals.
func (r *Report) addFailure(rel, op string, err error, file bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if file {
		r.Files++
	}
	r.Failed++
	r.Failures = append(r.Failures, Failure{
		Path:  rel,
		Op:    op,
		Kind:  syncerr.KindOf(err),
		Error: err.Error(),
	})
}

func (r *Report) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Aborted = true
	if r.AbortReason == "" {
		r.AbortReason = err.Error()
	}
}

// OK reports whether the run finished with no failures and no abort.
func (r *Report) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Aborted && r.Failed == 0
}

// HumanBytes is Bytes formatted for display.
func (r *Report) HumanBytes() string {
	return humanize.IBytes(uint64(r.Bytes))
}

// JSON encodes the report.
func (r *Report) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r, "", "  ")
}
