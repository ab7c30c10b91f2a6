// Package progress holds the run snapshot the host polls while a crawl is
// in flight.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// MaxLogLines bounds the log kept in a snapshot.
const MaxLogLines = 200

// URLState is the per-URL state of the crawl state machine.
type URLState string

const (
	StatePending    URLState = "Pending"
	StateLoading    URLState = "Loading"
	StateExtracting URLState = "Extracting"
	StateNavTimeout URLState = "NavTimeout"
	StateWriting    URLState = "Writing"
	StateEmpty      URLState = "Empty"
	StateDone       URLState = "Done"
	StateFailed     URLState = "Failed"
	StateCanceled   URLState = "Canceled"
)

// Terminal reports whether no further transitions follow s.
func (s URLState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Run states reported in Snapshot.State.
const (
	RunIdle     = "idle"
	RunRunning  = "running"
	RunFinished = "finished"
	RunCanceled = "canceled"
	RunFailed   = "failed"
)

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	URLsDone   int       `json:"urls_done"`
	URLsTotal  int       `json:"urls_total"`
	LastURL    string    `json:"last_url"`
	LastError  string    `json:"last_error"`
	State      string    `json:"state"`
	URLState   URLState  `json:"url_state,omitempty"`
	ItemsTotal int       `json:"items_total"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Log        []string  `json:"log"`
}

// Tracker records progress from the crawler goroutine and serves copies to
// any number of readers. The zero value is not usable; call NewTracker.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		snap: Snapshot{State: RunIdle},
		now:  time.Now,
	}
}

// Start resets the tracker for a new run.
func (t *Tracker) Start(runID string, urlsTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.snap = Snapshot{
		RunID:     runID,
		URLsTotal: urlsTotal,
		State:     RunRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.logf("run %s started with %d urls", runID, urlsTotal)
}

// Transition records a state change for url.
func (t *Tracker) Transition(url string, state URLState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastURL = url
	t.snap.URLState = state
	if state.Terminal() {
		t.snap.URLsDone++
	}
	t.snap.UpdatedAt = t.now()
	t.logf("%s %s", state, url)
}

// AddItems adds n committed items to the total.
func (t *Tracker) AddItems(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.ItemsTotal += n
	t.snap.UpdatedAt = t.now()
}

// Fail records a per-URL error.
func (t *Tracker) Fail(url string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastURL = url
	t.snap.LastError = err.Error()
	t.snap.UpdatedAt = t.now()
	t.logf("error %s: %v", url, err)
}

// Warn appends a warning to the log.
func (t *Tracker) Warn(w types.Warning) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logf("%s", w.String())
}

// Logf appends a free-form line to the log.
func (t *Tracker) Logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logf(format, args...)
}

// Finish marks the run as ended in state.
func (t *Tracker) Finish(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = state
	t.snap.UpdatedAt = t.now()
	t.logf("run %s %s: %d/%d urls, %d items", t.snap.RunID, state, t.snap.URLsDone, t.snap.URLsTotal, t.snap.ItemsTotal)
}

// Snapshot returns a copy that shares nothing with the tracker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snap
	s.Log = append([]string(nil), t.snap.Log...)
	return s
}

// logf must be called with mu held.
func (t *Tracker) logf(format string, args ...any) {
	line := t.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	t.snap.Log = append(t.snap.Log, line)
	if over := len(t.snap.Log) - MaxLogLines; over > 0 {
		t.snap.Log = append(t.snap.Log[:0:0], t.snap.Log[over:]...)
	}
}
