package board

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/signal"
)

var boardNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	return w.WithClock(func() time.Time { return boardNow })
}

func boardSignal(id, symbol string, createdAt time.Time) *signal.Signal {
	return &signal.Signal{
		ID:                  id,
		CreatedAt:           createdAt,
		LastUpdate:          createdAt,
		Symbol:              symbol,
		Side:                signal.SideBuy,
		Strength:            signal.StrengthStrong,
		Entry:               1.10010,
		Stop:                1.09500,
		Target:              1.11000,
		Confidence:          0.82,
		RRRatio:             1.9411764705882353,
		Timeframe:           market.TimeframeH1,
		Expiry:              createdAt.Add(4 * time.Hour),
		MarketCondition:     signal.ConditionUptrend,
		TechnicalConfluence: 2,
		FundamentalScore:    0.5,
		PositionSizeFrac:    0.05,
		MaxRiskFrac:         0.02,
		Status:              signal.StatusActive,
		MagicNumber:         123456,
		Comment:             "fxengine H1 UPTREND",
	}
}

func readBoardFile(t *testing.T, w *Writer, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.Dir(), name))
	require.NoError(t, err)
	return string(data)
}

func TestUpdateWritesAllFormats(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, w.Update([]*signal.Signal{
		boardSignal("a", "EURUSD", boardNow.Add(-time.Hour)),
		boardSignal("b", "GBPUSD", boardNow.Add(-30*time.Minute)),
	}))

	for _, name := range []string{WorkbookFile, UnifiedCSVFile, BrokerCSVFile, EnhancedCSVFile, JSONFile} {
		info, err := os.Stat(filepath.Join(w.Dir(), name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
	assert.Equal(t, 2, w.ActiveCount())
}

func TestBrokerCSVContract(t *testing.T) {
	w := testWriter(t)
	created := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, w.Update([]*signal.Signal{boardSignal("a", "EURUSD", created)}))

	want := "Magic,Symbol,Signal,EntryPrice,StopLoss,TakeProfit,LotSize,Timestamp\n" +
		"123456,EURUSD,BUY,1.10010,1.09500,1.11000,0.05,2024.06.01 09:30:00\n"
	assert.Equal(t, want, readBoardFile(t, w, BrokerCSVFile))
}

func TestIdempotentByteIdenticalOutput(t *testing.T) {
	w := testWriter(t)
	sigs := []*signal.Signal{
		boardSignal("a", "EURUSD", boardNow.Add(-time.Hour)),
		boardSignal("b", "GBPUSD", boardNow.Add(-30*time.Minute)),
	}

	require.NoError(t, w.Update(sigs))
	first := map[string]string{}
	for _, name := range []string{UnifiedCSVFile, BrokerCSVFile, EnhancedCSVFile, JSONFile} {
		first[name] = readBoardFile(t, w, name)
	}

	require.NoError(t, w.Update(sigs))
	for name, content := range first {
		assert.Equal(t, content, readBoardFile(t, w, name), name)
	}
}

func TestEvictionExpired(t *testing.T) {
	w := testWriter(t)
	expired := boardSignal("old", "EURUSD", boardNow.Add(-5*time.Hour)) // expiry 4h after create
	fresh := boardSignal("new", "GBPUSD", boardNow.Add(-time.Hour))

	require.NoError(t, w.Update([]*signal.Signal{expired, fresh}))
	assert.Equal(t, 1, w.ActiveCount())

	var snap struct {
		Active  []*signal.Signal `json:"active"`
		History []*signal.Signal `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBoardFile(t, w, JSONFile)), &snap))
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "new", snap.Active[0].ID)
	require.Len(t, snap.History, 1)
	assert.Equal(t, signal.StatusExpired, snap.History[0].Status)
}

func TestEvictionMaxAge(t *testing.T) {
	w := testWriter(t)
	stale := boardSignal("stale", "EURUSD", boardNow.Add(-30*time.Hour))
	stale.Expiry = boardNow.Add(time.Hour) // not expired, but past max age

	require.NoError(t, w.Update([]*signal.Signal{stale}))
	assert.Equal(t, 0, w.ActiveCount())
}

func TestEvictionOverflowKeepsNewest(t *testing.T) {
	w, err := NewWriter(Config{Dir: t.TempDir(), MaxSignals: 2}, zerolog.Nop())
	require.NoError(t, err)
	w.WithClock(func() time.Time { return boardNow })

	sigs := []*signal.Signal{
		boardSignal("oldest", "EURUSD", boardNow.Add(-3*time.Hour)),
		boardSignal("middle", "GBPUSD", boardNow.Add(-2*time.Hour)),
		boardSignal("newest", "USDJPY", boardNow.Add(-1*time.Hour)),
	}
	require.NoError(t, w.Update(sigs))

	active := w.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "newest", active[0].ID)
	assert.Equal(t, "middle", active[1].ID)
}

func TestHistoryCapKeepsNewest(t *testing.T) {
	w, err := NewWriter(Config{Dir: t.TempDir(), MaxHistory: 3}, zerolog.Nop())
	require.NoError(t, err)
	w.WithClock(func() time.Time { return boardNow })

	// Each signal is already expired at write time and lands in history.
	for i := 0; i < 6; i++ {
		s := boardSignal(fmt.Sprintf("h%d", i), "EURUSD", boardNow.Add(-time.Duration(12-i)*time.Hour))
		require.NoError(t, w.Update([]*signal.Signal{s}))
	}
	assert.Equal(t, 0, w.ActiveCount())

	var snap struct {
		History []*signal.Signal `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBoardFile(t, w, JSONFile)), &snap))
	require.Len(t, snap.History, 3)
	assert.Equal(t, "h3", snap.History[0].ID)
	assert.Equal(t, "h5", snap.History[2].ID)
}

func TestDailyBackupOncePerDay(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, w.Update([]*signal.Signal{boardSignal("a", "EURUSD", boardNow)}))
	require.NoError(t, w.Update([]*signal.Signal{boardSignal("b", "GBPUSD", boardNow)}))

	entries, err := os.ReadDir(filepath.Join(w.Dir(), "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "signals_backup_2024-06-01.xlsx", entries[0].Name())

	// A new calendar day produces a second backup.
	w.WithClock(func() time.Time { return boardNow.Add(24 * time.Hour) })
	require.NoError(t, w.Update([]*signal.Signal{boardSignal("c", "USDJPY", boardNow.Add(24 * time.Hour))}))
	entries, err = os.ReadDir(filepath.Join(w.Dir(), "backups"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOutputDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SIGNAL_OUTPUT_DIR", dir)

	w, err := NewWriter(Config{Dir: "ignored"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())
}

func TestAtomicReadsUnderConcurrentUpdates(t *testing.T) {
	w := testWriter(t)
	require.NoError(t, w.Update([]*signal.Signal{boardSignal("seed", "EURUSD", boardNow)}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			sig := boardSignal(fmt.Sprintf("sig-%d", i%5), "EURUSD", boardNow.Add(-time.Duration(i%60)*time.Minute))
			if err := w.Update([]*signal.Signal{sig}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Every observed file must be complete: header plus fully formed rows.
	for i := 0; i < 200; i++ {
		content := readBoardFile(t, w, BrokerCSVFile)
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		require.NotEmpty(t, lines)
		assert.Equal(t, "Magic,Symbol,Signal,EntryPrice,StopLoss,TakeProfit,LotSize,Timestamp", lines[0])
		for _, line := range lines[1:] {
			assert.Len(t, strings.Split(line, ","), 8)
		}

		reader := csv.NewReader(strings.NewReader(readBoardFile(t, w, UnifiedCSVFile)))
		_, err := reader.ReadAll()
		assert.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
