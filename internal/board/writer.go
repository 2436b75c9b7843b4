// Package board projects the active signal table into the on-disk
// bulletin formats EAs and dashboards poll: workbook, CSVs, JSON. Every
// file is replaced atomically so readers never see a partial update.
package board

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/signal"
)

// Published file names inside the board directory.
const (
	WorkbookFile    = "signals.xlsx"
	UnifiedCSVFile  = "signals.csv"
	BrokerCSVFile   = "broker_signals.csv"
	EnhancedCSVFile = "broker_signals_enhanced.csv"
	JSONFile        = "signals.json"
	backupDir       = "backups"
)

// Config controls the bulletin board.
type Config struct {
	Dir          string        // output directory; SIGNAL_OUTPUT_DIR overrides it
	MaxSignalAge time.Duration // signals older than this are dropped regardless of expiry
	MaxSignals   int           // active-table cap, newest kept
	MaxHistory   int           // history-table cap, newest kept
}

// DefaultConfig returns the standard board settings.
func DefaultConfig() Config {
	return Config{
		Dir:          "signals",
		MaxSignalAge: 24 * time.Hour,
		MaxSignals:   50,
		MaxHistory:   500,
	}
}

// Writer owns the signal table and its on-disk projections. All updates
// serialise under one lock.
type Writer struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu         sync.Mutex
	signals    map[string]*signal.Signal
	history    []*signal.Signal
	lastBackup string // YYYY-MM-DD of the last workbook backup
}

// NewWriter creates the board and its directories.
func NewWriter(cfg Config, log zerolog.Logger) (*Writer, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if dir := os.Getenv("SIGNAL_OUTPUT_DIR"); dir != "" {
		cfg.Dir = dir
	}
	if cfg.MaxSignalAge <= 0 {
		cfg.MaxSignalAge = def.MaxSignalAge
	}
	if cfg.MaxSignals <= 0 {
		cfg.MaxSignals = def.MaxSignals
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, backupDir), 0o755); err != nil {
		return nil, fmt.Errorf("create board directory: %w", err)
	}
	return &Writer{
		cfg:     cfg,
		log:     log.With().Str("component", "board_writer").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		signals: make(map[string]*signal.Signal),
	}, nil
}

// WithClock overrides the writer's clock.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Dir returns the board directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// Update upserts signals into the table, applies eviction, and rewrites
// every format. Calling it again with the same inputs produces
// byte-identical files.
func (w *Writer) Update(sigs []*signal.Signal) error {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range sigs {
		if s == nil {
			continue
		}
		copied := *s
		w.signals[s.ID] = &copied
	}
	w.evictLocked()

	if err := w.writeAllLocked(); err != nil {
		return err
	}

	metrics.BoardUpdates.Inc()
	metrics.BoardWriteDuration.Observe(float64(time.Since(start).Milliseconds()))
	metrics.ActiveSignals.Set(float64(len(w.signals)))
	return nil
}

// Sweep re-applies eviction and rewrites the files without new input.
func (w *Writer) Sweep() error {
	return w.Update(nil)
}

// ActiveCount returns the size of the active table.
func (w *Writer) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.signals)
}

// Active returns the active signals, newest first.
func (w *Writer) Active() []*signal.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeSortedLocked()
}

// evictLocked applies the three eviction rules and records history.
func (w *Writer) evictLocked() {
	now := w.now()

	for id, s := range w.signals {
		switch {
		case s.Expired(now):
			s.Status = signal.StatusExpired
			s.LastUpdate = now
			w.history = append(w.history, s)
			delete(w.signals, id)
			metrics.BoardEvictions.WithLabelValues("expired").Inc()
		case now.Sub(s.CreatedAt) > w.cfg.MaxSignalAge:
			w.history = append(w.history, s)
			delete(w.signals, id)
			metrics.BoardEvictions.WithLabelValues("max_age").Inc()
		}
	}

	if len(w.signals) > w.cfg.MaxSignals {
		sorted := w.activeSortedLocked()
		for _, s := range sorted[w.cfg.MaxSignals:] {
			w.history = append(w.history, s)
			delete(w.signals, s.ID)
			metrics.BoardEvictions.WithLabelValues("overflow").Inc()
		}
	}

	sort.Slice(w.history, func(i, j int) bool {
		if !w.history[i].CreatedAt.Equal(w.history[j].CreatedAt) {
			return w.history[i].CreatedAt.Before(w.history[j].CreatedAt)
		}
		return w.history[i].ID < w.history[j].ID
	})

	// History is oldest first; keep only the newest MaxHistory entries.
	// The copy releases the evicted heads for collection.
	if over := len(w.history) - w.cfg.MaxHistory; over > 0 {
		w.history = append([]*signal.Signal(nil), w.history[over:]...)
	}
}

// activeSortedLocked returns active signals newest first, ID as the tie
// break so output order is stable.
func (w *Writer) activeSortedLocked() []*signal.Signal {
	out := make([]*signal.Signal, 0, len(w.signals))
	for _, s := range w.signals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// writeAllLocked rewrites every projection from the current table.
func (w *Writer) writeAllLocked() error {
	active := w.activeSortedLocked()

	if err := w.writeFile(UnifiedCSVFile, func(out io.Writer) error {
		return writeUnifiedCSV(out, active)
	}); err != nil {
		return err
	}
	if err := w.writeFile(BrokerCSVFile, func(out io.Writer) error {
		return writeBrokerCSV(out, active)
	}); err != nil {
		return err
	}
	if err := w.writeFile(EnhancedCSVFile, func(out io.Writer) error {
		return writeEnhancedCSV(out, active)
	}); err != nil {
		return err
	}
	if err := w.writeFile(JSONFile, func(out io.Writer) error {
		return writeJSONSnapshot(out, active, w.history)
	}); err != nil {
		return err
	}
	if err := w.writeFile(WorkbookFile, func(out io.Writer) error {
		return writeWorkbook(out, active, w.history)
	}); err != nil {
		return err
	}

	return w.backupLocked()
}

// writeFile publishes one format atomically: temp file, fsync, rename.
func (w *Writer) writeFile(name string, write func(io.Writer) error) error {
	path := filepath.Join(w.cfg.Dir, name)
	tmp, err := os.CreateTemp(w.cfg.Dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// backupLocked copies the workbook once per calendar day.
func (w *Writer) backupLocked() error {
	day := w.now().Format("2006-01-02")
	if day == w.lastBackup {
		return nil
	}

	src := filepath.Join(w.cfg.Dir, WorkbookFile)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read workbook for backup: %w", err)
	}
	dst := filepath.Join(w.cfg.Dir, backupDir, fmt.Sprintf("signals_backup_%s.xlsx", day))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	w.lastBackup = day
	w.log.Info().Str("backup", dst).Msg("Daily board backup written")
	return nil
}
