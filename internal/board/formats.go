package board

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/quantflow/fxengine/internal/signal"
)

// brokerTimestamp is the layout broker EAs parse from the CSVs.
const brokerTimestamp = "2006.01.02 15:04:05"

func price5(v float64) string {
	return strconv.FormatFloat(signal.Round5(v), 'f', 5, 64)
}

func vol2(v float64) string {
	return strconv.FormatFloat(signal.Round2(v), 'f', 2, 64)
}

// writeUnifiedCSV emits the full signal table, one row per signal.
func writeUnifiedCSV(out io.Writer, active []*signal.Signal) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{
		"id", "created_at", "symbol", "side", "strength",
		"entry", "stop", "target", "confidence", "rr_ratio",
		"timeframe", "expiry", "market_condition", "technical_confluence",
		"fundamental_score", "position_size_frac", "max_risk_frac",
		"status", "magic_number", "comment",
	}); err != nil {
		return err
	}
	for _, s := range active {
		if err := cw.Write([]string{
			s.ID,
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.Symbol,
			string(s.Side),
			string(s.Strength),
			price5(s.Entry),
			price5(s.Stop),
			price5(s.Target),
			price5(s.Confidence),
			price5(s.RRRatio),
			string(s.Timeframe),
			s.Expiry.UTC().Format(time.RFC3339),
			string(s.MarketCondition),
			strconv.Itoa(s.TechnicalConfluence),
			price5(s.FundamentalScore),
			vol2(s.PositionSizeFrac),
			price5(s.MaxRiskFrac),
			string(s.Status),
			strconv.FormatInt(s.MagicNumber, 10),
			s.Comment,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeBrokerCSV emits the fixed-contract broker table. The header and
// column order are part of the EA interface and must not change.
func writeBrokerCSV(out io.Writer, active []*signal.Signal) error {
	if _, err := fmt.Fprint(out, "Magic,Symbol,Signal,EntryPrice,StopLoss,TakeProfit,LotSize,Timestamp\n"); err != nil {
		return err
	}
	for _, s := range active {
		if _, err := fmt.Fprintf(out, "%d,%s,%s,%s,%s,%s,%s,%s\n",
			s.MagicNumber,
			s.Symbol,
			string(s.Side),
			price5(s.Entry),
			price5(s.Stop),
			price5(s.Target),
			vol2(s.PositionSizeFrac),
			s.CreatedAt.UTC().Format(brokerTimestamp),
		); err != nil {
			return err
		}
	}
	return nil
}

// writeEnhancedCSV extends the broker table with scoring context.
func writeEnhancedCSV(out io.Writer, active []*signal.Signal) error {
	if _, err := fmt.Fprint(out, "Magic,Symbol,Signal,EntryPrice,StopLoss,TakeProfit,LotSize,Timestamp,Confidence,RRRatio,Expiry,Comment\n"); err != nil {
		return err
	}
	for _, s := range active {
		if _, err := fmt.Fprintf(out, "%d,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			s.MagicNumber,
			s.Symbol,
			string(s.Side),
			price5(s.Entry),
			price5(s.Stop),
			price5(s.Target),
			vol2(s.PositionSizeFrac),
			s.CreatedAt.UTC().Format(brokerTimestamp),
			price5(s.Confidence),
			price5(s.RRRatio),
			s.Expiry.UTC().Format(brokerTimestamp),
			s.Comment,
		); err != nil {
			return err
		}
	}
	return nil
}

// snapshot is the JSON projection of the board.
type snapshot struct {
	Active  []*signal.Signal `json:"active"`
	History []*signal.Signal `json:"history"`
	Counts  snapshotCounts   `json:"counts"`
}

type snapshotCounts struct {
	Active  int `json:"active"`
	History int `json:"history"`
}

// writeJSONSnapshot emits the whole board state. Field order is fixed by
// the struct definitions so identical state yields identical bytes.
func writeJSONSnapshot(out io.Writer, active, history []*signal.Signal) error {
	snap := snapshot{
		Active:  active,
		History: history,
		Counts:  snapshotCounts{Active: len(active), History: len(history)},
	}
	if snap.Active == nil {
		snap.Active = []*signal.Signal{}
	}
	if snap.History == nil {
		snap.History = []*signal.Signal{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
