package board

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/quantflow/fxengine/internal/signal"
)

var signalHeader = []interface{}{
	"ID", "Created", "Symbol", "Side", "Strength", "Entry", "Stop", "Target",
	"Confidence", "RR", "Timeframe", "Expiry", "Condition", "Confluence",
	"Size", "Status", "Magic", "Comment",
}

// writeWorkbook renders the Active/History/Performance/Summary sheets.
func writeWorkbook(out io.Writer, active, history []*signal.Signal) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", "Active"); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{"History", "Performance", "Summary"} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	if err := writeSignalSheet(f, "Active", active); err != nil {
		return err
	}
	if err := writeSignalSheet(f, "History", history); err != nil {
		return err
	}
	if err := writePerformanceSheet(f, active, history); err != nil {
		return err
	}
	if err := writeSummarySheet(f, active, history); err != nil {
		return err
	}

	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSignalSheet(f *excelize.File, sheet string, sigs []*signal.Signal) error {
	if err := f.SetSheetRow(sheet, "A1", &signalHeader); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	for i, s := range sigs {
		row := []interface{}{
			s.ID,
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.Symbol,
			string(s.Side),
			string(s.Strength),
			signal.Round5(s.Entry),
			signal.Round5(s.Stop),
			signal.Round5(s.Target),
			signal.Round5(s.Confidence),
			signal.Round5(s.RRRatio),
			string(s.Timeframe),
			s.Expiry.UTC().Format(time.RFC3339),
			string(s.MarketCondition),
			s.TechnicalConfluence,
			signal.Round2(s.PositionSizeFrac),
			string(s.Status),
			s.MagicNumber,
			s.Comment,
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("write %s row: %w", sheet, err)
		}
	}
	return nil
}

// symbolStats aggregates per-symbol signal quality.
type symbolStats struct {
	count     int
	buys      int
	sells     int
	sumConf   float64
	sumRR     float64
	strongest signal.Strength
}

func writePerformanceSheet(f *excelize.File, active, history []*signal.Signal) error {
	header := []interface{}{"Symbol", "Signals", "Buys", "Sells", "AvgConfidence", "AvgRR", "Strongest"}
	if err := f.SetSheetRow("Performance", "A1", &header); err != nil {
		return fmt.Errorf("write performance header: %w", err)
	}

	stats := make(map[string]*symbolStats)
	for _, s := range append(append([]*signal.Signal{}, active...), history...) {
		st := stats[s.Symbol]
		if st == nil {
			st = &symbolStats{strongest: signal.StrengthWeak}
			stats[s.Symbol] = st
		}
		st.count++
		if s.Side == signal.SideBuy {
			st.buys++
		} else {
			st.sells++
		}
		st.sumConf += s.Confidence
		st.sumRR += s.RRRatio
		if s.Strength.Rank() > st.strongest.Rank() {
			st.strongest = s.Strength
		}
	}

	symbols := make([]string, 0, len(stats))
	for sym := range stats {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for i, sym := range symbols {
		st := stats[sym]
		row := []interface{}{
			sym,
			st.count,
			st.buys,
			st.sells,
			signal.Round5(st.sumConf / float64(st.count)),
			signal.Round5(st.sumRR / float64(st.count)),
			string(st.strongest),
		}
		if err := f.SetSheetRow("Performance", fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("write performance row: %w", err)
		}
	}
	return nil
}

func writeSummarySheet(f *excelize.File, active, history []*signal.Signal) error {
	byStrength := make(map[signal.Strength]int)
	for _, s := range active {
		byStrength[s.Strength]++
	}

	rows := [][]interface{}{
		{"Active signals", len(active)},
		{"Historical signals", len(history)},
		{"Very strong", byStrength[signal.StrengthVeryStrong]},
		{"Strong", byStrength[signal.StrengthStrong]},
		{"Moderate", byStrength[signal.StrengthModerate]},
		{"Weak", byStrength[signal.StrengthWeak]},
	}
	for i := range rows {
		if err := f.SetSheetRow("Summary", fmt.Sprintf("A%d", i+1), &rows[i]); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	return nil
}
