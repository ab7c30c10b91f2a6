package workbook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/types"
)

// SaveResult reports where the workbook ended up.
type SaveResult struct {
	Path       string `json:"path"`
	Redirected bool   `json:"redirected"`
	Rows       int    `json:"rows"`
}

// Writer is the single owner of the workbook. All state lives in one
// goroutine and every method is a message to its mailbox, so callers on any
// goroutine observe a serial order of operations.
type Writer struct {
	mailbox chan command
	stopped chan struct{}
	sendMu  sync.RWMutex
	closed  bool

	finalizeOnce sync.Once
	final        SaveResult
	finalErr     error

	lock      *Lock
	logger    *slog.Logger
	metrics   *observability.Metrics
	onWarning func(types.Warning)
	now       func() time.Time

	// Owned by the actor goroutine.
	state *state
}

type command struct {
	fn   func(*state) error
	done chan error
}

// state is the table the actor mutates.
type state struct {
	target        string
	savePath      string
	redirected    bool
	autosaveEvery int
	saveAttempts  int
	saveBackoff   time.Duration

	order     []string
	committed map[string][]*types.Item
	openKey   string
	staged    []*types.Item
	appends   int

	w *Writer
}

// Option configures a Writer.
type Option func(*Writer)

// WithMetrics counts saves.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithWarningHandler receives SaveRedirected warnings.
func WithWarningHandler(fn func(types.Warning)) Option {
	return func(w *Writer) { w.onWarning = fn }
}

// WithClock replaces the clock used for fallback file names.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// Open acquires the workbook lock, loads existing rows and starts the actor.
func Open(excelPath string, cfg config.WorkbookConfig, logger *slog.Logger, opts ...Option) (*Writer, error) {
	w := &Writer{
		mailbox:   make(chan command),
		stopped:   make(chan struct{}),
		logger:    logger.With("component", "workbook"),
		onWarning: func(types.Warning) {},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	lock, err := AcquireLock(excelPath, w.logger)
	if err != nil {
		return nil, err
	}
	w.lock = lock

	st := &state{
		target:        excelPath,
		savePath:      excelPath,
		autosaveEvery: max(cfg.AutosaveEvery, 1),
		saveAttempts:  max(cfg.SaveAttempts, 1),
		saveBackoff:   cfg.SaveBackoff,
		committed:     make(map[string][]*types.Item),
		w:             w,
	}
	if err := st.load(); err != nil {
		_ = lock.Release()
		return nil, err
	}
	w.state = st

	go w.loop()
	w.logger.Info("workbook opened", "path", excelPath, "markets", len(st.order), "rows", st.rowCount())
	return w, nil
}

func (w *Writer) loop() {
	defer close(w.stopped)
	for cmd := range w.mailbox {
		cmd.done <- w.run(cmd.fn)
	}
}

func (w *Writer) run(fn func(*state) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("workbook operation panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("workbook operation panicked: %v", r)
		}
	}()
	return fn(w.state)
}

// do sends fn to the actor and waits for its result.
func (w *Writer) do(fn func(*state) error) error {
	done := make(chan error, 1)

	w.sendMu.RLock()
	if w.closed {
		w.sendMu.RUnlock()
		return types.ErrWriterClosed
	}
	w.mailbox <- command{fn: fn, done: done}
	w.sendMu.RUnlock()

	return <-done
}

// BeginMarket opens key for staging. Any previous staging is discarded.
func (w *Writer) BeginMarket(key string) error {
	return w.do(func(s *state) error {
		if s.openKey != "" && s.openKey != key {
			s.w.logger.Warn("discarding unfinished market", "market", s.openKey, "staged", len(s.staged))
		}
		s.discard()
		s.openKey = key
		if _, ok := s.committed[key]; !ok {
			s.order = append(s.order, key)
		}
		return nil
	})
}

// Append stages item for the open market and autosaves every
// autosave_every appends.
func (w *Writer) Append(item *types.Item) error {
	c := item.Clone()
	return w.do(func(s *state) error {
		if s.openKey == "" || c.MarketKey != s.openKey {
			return fmt.Errorf("%w: append for %q", types.ErrNoOpenMarket, c.MarketKey)
		}
		s.staged = append(s.staged, c)
		s.appends++
		if s.appends >= s.autosaveEvery {
			s.appends = 0
			if err := s.save("autosave"); err != nil {
				s.w.logger.Error("autosave failed", "error", err)
			}
		}
		return nil
	})
}

// CommitMarket replaces the market's rows with the staged rows and returns
// how many rows it now has.
func (w *Writer) CommitMarket(key string) (int, error) {
	var n int
	err := w.do(func(s *state) error {
		if s.openKey != key {
			return fmt.Errorf("%w: commit for %q", types.ErrNoOpenMarket, key)
		}
		s.committed[key] = s.staged
		n = len(s.staged)
		s.staged, s.openKey, s.appends = nil, "", 0
		return nil
	})
	return n, err
}

// DiscardMarket drops the staged rows of key. Committed rows stay as they were.
func (w *Writer) DiscardMarket(key string) error {
	return w.do(func(s *state) error {
		if s.openKey != key {
			return nil
		}
		s.discard()
		return nil
	})
}

// Autosave saves the current committed view now.
func (w *Writer) Autosave() error {
	return w.do(func(s *state) error {
		return s.save("autosave")
	})
}

// Rows returns a snapshot of the rows a save would write now.
func (w *Writer) Rows() ([]*types.Item, error) {
	var rows []*types.Item
	err := w.do(func(s *state) error {
		for _, item := range s.view() {
			rows = append(rows, item.Clone())
		}
		return nil
	})
	return rows, err
}

// Finalize drops uncommitted staging, performs the final save, releases
// the lock and stops the actor. Later calls return the first result.
func (w *Writer) Finalize() (SaveResult, error) {
	w.finalizeOnce.Do(func() {
		w.finalErr = w.do(func(s *state) error {
			s.discard()
			err := s.save("final")
			w.final = SaveResult{Path: s.savePath, Redirected: s.redirected, Rows: len(s.view())}
			return err
		})

		w.sendMu.Lock()
		w.closed = true
		close(w.mailbox)
		w.sendMu.Unlock()
		<-w.stopped

		if err := w.lock.Release(); err != nil {
			w.logger.Warn("lock release failed", "error", err)
		}
		w.logger.Info("workbook finalized", "path", w.final.Path, "rows", w.final.Rows, "redirected", w.final.Redirected)
	})
	return w.final, w.finalErr
}

// load reads the existing workbook, if any. An unreadable file is moved
// aside so the run can start from an empty table.
func (s *state) load() error {
	if _, err := os.Stat(s.target); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	items, bad, err := readRows(s.target)
	if err != nil {
		aside := s.target + ".corrupt-" + s.w.now().Format("20060102-150405")
		s.w.logger.Warn("existing workbook unreadable, moving aside", "path", s.target, "moved_to", aside, "error", err)
		if rerr := os.Rename(s.target, aside); rerr != nil {
			return fmt.Errorf("open workbook %s: %w", s.target, err)
		}
		return nil
	}
	for _, e := range bad {
		s.w.logger.Warn("skipping unreadable row", "error", e)
	}
	for _, item := range items {
		if _, ok := s.committed[item.MarketKey]; !ok {
			s.order = append(s.order, item.MarketKey)
		}
		s.committed[item.MarketKey] = append(s.committed[item.MarketKey], item)
	}
	return nil
}

func (s *state) discard() {
	if s.openKey != "" {
		if _, ok := s.committed[s.openKey]; !ok {
			s.removeFromOrder(s.openKey)
		}
	}
	s.staged, s.openKey, s.appends = nil, "", 0
}

func (s *state) removeFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// view is the table as saved: committed rows per market, plus staged rows
// of an open market that has no committed rows yet.
func (s *state) view() []*types.Item {
	var rows []*types.Item
	for _, key := range s.order {
		committed := s.committed[key]
		if key == s.openKey && len(committed) == 0 {
			rows = append(rows, s.staged...)
			continue
		}
		rows = append(rows, committed...)
	}
	return rows
}

func (s *state) rowCount() int {
	n := 0
	for _, rows := range s.committed {
		n += len(rows)
	}
	return n
}

// save writes the current view, retrying a target held open by another
// program and then redirecting to a timestamped fallback next to it.
func (s *state) save(reason string) error {
	rows := s.view()
	f, err := buildFile(rows)
	if err != nil {
		s.w.metrics.IncSave("error")
		return &types.SaveError{Path: s.savePath, Err: err}
	}
	defer f.Close()

	var lastErr error
	for attempt := 0; attempt < s.saveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.saveBackoff << (attempt - 1))
		}
		err := writeFile(f, s.savePath)
		if err == nil {
			s.w.metrics.IncSave("ok")
			s.w.logger.Debug("workbook saved", "reason", reason, "path", s.savePath, "rows", len(rows))
			return nil
		}
		if !errors.Is(err, types.ErrTargetLocked) {
			s.w.metrics.IncSave("error")
			return &types.SaveError{Path: s.savePath, Err: err}
		}
		lastErr = err
		s.w.logger.Debug("workbook held open, retrying", "path", s.savePath, "attempt", attempt+1)
	}

	fallback := FallbackPath(s.target, s.w.now())
	if err := writeFile(f, fallback); err != nil {
		s.w.metrics.IncSave("error")
		return &types.SaveError{Path: fallback, Err: errors.Join(lastErr, err)}
	}

	s.w.logger.Warn("workbook held open, saved to fallback", "target", s.savePath, "fallback", fallback, "error", lastErr)
	s.w.onWarning(types.NewWarning(types.WarnSaveRedirected, "", "",
		fmt.Sprintf("%s is held open; saved to %s", s.savePath, fallback)))
	s.w.metrics.IncSave("redirected")
	s.savePath, s.redirected = fallback, true
	return nil
}
