// Package features turns OHLCV windows into the three aligned artifacts
// the ensemble scores: a flat indicator vector, a rolling OHLCV sequence,
// and a multichannel indicator window.
package features

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/model"
)

// maxLookback is the longest indicator warm-up in bars.
const maxLookback = 200

// WindowChannels is the channel count of the indicator window:
// min-max close, RSI, MACD line, MACD histogram.
const WindowChannels = 4

// Config controls feature construction.
type Config struct {
	SequenceLength int     // N: rows per sequence/window sample
	Horizon        int     // H: forward-return label horizon in bars
	Epsilon        float64 // label threshold on the forward return
}

// DefaultConfig returns the standard feature configuration.
func DefaultConfig() Config {
	return Config{
		SequenceLength: 32,
		Horizon:        5,
		Epsilon:        0.001,
	}
}

// Row is one prediction instant: the three aligned artifacts plus, for
// training rows, the forward-return label.
type Row struct {
	Vector   []float64   // flat indicator vector (z-scored)
	Sequence [][]float64 // N × 5 normalised OHLCV
	Window   [][]float64 // N × WindowChannels
	Label    model.Class // training only
	Clean    bool        // false when source bars carried non-finite values
}

// Set is an aligned collection of rows.
type Set struct {
	Rows  []Row
	Names []string // vector column names, fixed order
}

// Engineer builds feature rows. Scalers for the flat vector and the
// sequence are fitted on the training set and reused at inference; the
// indicator window is normalised per window by construction.
type Engineer struct {
	cfg       Config
	VectorSc  ZScoreScaler `json:"vector_scaler"`
	SeqSc     MinMaxScaler `json:"sequence_scaler"`
	colsNamed []string
}

// NewEngineer creates an engineer with the given configuration.
func NewEngineer(cfg Config) *Engineer {
	if cfg.SequenceLength <= 0 {
		cfg.SequenceLength = DefaultConfig().SequenceLength
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultConfig().Horizon
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultConfig().Epsilon
	}
	return &Engineer{cfg: cfg, colsNamed: vectorNames()}
}

// Config returns the engineer's configuration.
func (e *Engineer) Config() Config { return e.cfg }

// MinBars is the smallest window that yields exactly one training row.
func (e *Engineer) MinBars() int {
	return e.cfg.SequenceLength + e.cfg.Horizon + maxLookback
}

// VectorWidth is the flat indicator vector width.
func (e *Engineer) VectorWidth() int { return len(e.colsNamed) }

// Names returns the vector column names.
func (e *Engineer) Names() []string { return e.colsNamed }

// BuildTraining produces all labelled rows a window supports, fits the
// scalers on them, and returns the transformed set. A window shorter than
// MinBars yields an empty set and no error.
func (e *Engineer) BuildTraining(bars []market.Bar) (*Set, error) {
	if len(bars) < e.MinBars() {
		log.Debug().
			Int("bars", len(bars)).
			Int("required", e.MinBars()).
			Msg("Window too short for training rows")
		return &Set{Names: e.colsNamed}, nil
	}
	if err := market.ValidateWindow(bars); err != nil {
		return nil, fmt.Errorf("invalid window: %w", err)
	}
	bars, dirty := neutraliseBars(bars)

	raw := e.computeRaw(bars)

	first := maxLookback + e.cfg.SequenceLength - 1
	last := len(bars) - 1 - e.cfg.Horizon
	if last < first {
		return &Set{Names: e.colsNamed}, nil
	}

	set := &Set{Names: e.colsNamed}
	var vectors [][]float64
	var sequences [][][]float64
	for t := first; t <= last; t++ {
		row := e.rawRow(bars, raw, t, dirty)
		fwd := (bars[t+e.cfg.Horizon].Close - bars[t].Close) / bars[t].Close
		switch {
		case fwd > e.cfg.Epsilon:
			row.Label = model.ClassUp
		case fwd < -e.cfg.Epsilon:
			row.Label = model.ClassDown
		default:
			row.Label = model.ClassFlat
		}
		set.Rows = append(set.Rows, row)
		vectors = append(vectors, row.Vector)
		sequences = append(sequences, row.Sequence)
	}

	e.VectorSc.Fit(vectors)
	e.SeqSc.Fit(sequences)
	for i := range set.Rows {
		v, err := e.VectorSc.Transform(set.Rows[i].Vector)
		if err != nil {
			return nil, err
		}
		set.Rows[i].Vector = v
		s, err := e.SeqSc.Transform(set.Rows[i].Sequence)
		if err != nil {
			return nil, err
		}
		set.Rows[i].Sequence = s
	}

	log.Debug().
		Int("rows", len(set.Rows)).
		Int("vector_width", e.VectorWidth()).
		Msg("Training feature set built")
	return set, nil
}

// BuildLatest produces the single inference row for the newest bar. The
// scalers must already be fitted (by training or by loading an artifact).
func (e *Engineer) BuildLatest(bars []market.Bar) (*Row, error) {
	need := maxLookback + e.cfg.SequenceLength
	if len(bars) < need {
		return nil, fmt.Errorf("%w: have %d bars, need %d", market.ErrInsufficientData, len(bars), need)
	}
	if !e.VectorSc.Fitted() || !e.SeqSc.Fitted() {
		return nil, ErrNotFitted
	}
	if err := market.ValidateWindow(bars); err != nil {
		return nil, fmt.Errorf("invalid window: %w", err)
	}
	bars, dirty := neutraliseBars(bars)

	raw := e.computeRaw(bars)
	row := e.rawRow(bars, raw, len(bars)-1, dirty)

	v, err := e.VectorSc.Transform(row.Vector)
	if err != nil {
		return nil, err
	}
	row.Vector = v
	s, err := e.SeqSc.Transform(row.Sequence)
	if err != nil {
		return nil, err
	}
	row.Sequence = s
	return &row, nil
}

// scalerArtifactKind tags the persisted scaler state.
const scalerArtifactKind = "feature-scalers"

// SaveScalers persists the fitted scaler state next to the model artifacts.
func (e *Engineer) SaveScalers(path string) error {
	if !e.VectorSc.Fitted() || !e.SeqSc.Fitted() {
		return ErrNotFitted
	}
	return model.SaveArtifact(path, scalerArtifactKind, e)
}

// LoadScalers restores fitted scaler state saved by SaveScalers.
func (e *Engineer) LoadScalers(path string) error {
	return model.LoadArtifact(path, scalerArtifactKind, e)
}

// rawSeries bundles the indicator series computed once per window.
type rawSeries struct {
	closes []float64
	sma20  []float64
	sma50  []float64
	ema12  []float64
	ema26  []float64
	rsi    []float64
	macd   []float64
	macdS  []float64
	macdH  []float64
	bbU    []float64
	bbM    []float64
	bbL    []float64
	atr    []float64
	cci    []float64
	willr  []float64
	adx    []float64
	stochK []float64
	stochD []float64
	obv    []float64
	mom    []float64
	roc    []float64
}

func (e *Engineer) computeRaw(bars []market.Bar) *rawSeries {
	closes := market.Closes(bars)
	r := &rawSeries{closes: closes}
	r.sma20 = smaSeries(closes, 20)
	r.sma50 = smaSeries(closes, 50)
	r.ema12 = emaSeries(closes, 12)
	r.ema26 = emaSeries(closes, 26)
	r.rsi = rsiSeries(closes, 14)
	r.macd, r.macdS, r.macdH = macdSeries(closes, 12, 26, 9)
	r.bbU, r.bbM, r.bbL = bollingerSeries(closes, 20)
	r.atr = atrSeries(bars, 14)
	r.cci = cciSeries(bars, 20)
	r.willr = willrSeries(bars, 14)
	r.adx = adxSeries(bars, 14)
	r.stochK, r.stochD = stochSeries(bars, 14, 3)
	r.obv = obvSeries(bars)
	r.mom = momentumSeries(closes, 10)
	r.roc = rocSeries(closes, 10)
	return r
}

func vectorNames() []string {
	names := []string{
		"close_open_ratio",
		"high_low_ratio",
		"close_sma20_ratio",
		"close_sma50_ratio",
		"sma20_sma50_ratio",
		"ema12_ema26_ratio",
		"rsi",
		"macd_norm",
		"macd_hist_norm",
		"bb_position",
		"atr_norm",
		"cci",
		"willr",
		"adx",
		"stoch_k",
		"stoch_d",
		"obv_slope",
		"momentum_norm",
		"roc",
	}
	for _, p := range PatternNames {
		names = append(names, "pattern_"+p)
	}
	return names
}

// rawRow assembles the unscaled artifacts for index t. t must be at least
// maxLookback + SequenceLength − 1.
func (e *Engineer) rawRow(bars []market.Bar, r *rawSeries, t int, dirty []bool) Row {
	b := bars[t]
	price := b.Close

	obvSlope := 0.0
	if t >= 10 && r.obv[t-10] != 0 {
		obvSlope = (r.obv[t] - r.obv[t-10]) / math.Abs(r.obv[t-10])
	}
	bbPos := 0.5
	if span := r.bbU[t] - r.bbL[t]; span > 0 {
		bbPos = clamp01((price - r.bbL[t]) / span)
	}

	vec := []float64{
		safeRatio(b.Close, b.Open),
		safeRatio(b.High, b.Low),
		safeRatio(price, r.sma20[t]),
		safeRatio(price, r.sma50[t]),
		safeRatio(r.sma20[t], r.sma50[t]),
		safeRatio(r.ema12[t], r.ema26[t]),
		neutral(r.rsi[t], 50) / 100,
		neutral(r.macd[t], 0) / price,
		neutral(r.macdH[t], 0) / price,
		bbPos,
		neutral(r.atr[t], 0) / price,
		neutral(r.cci[t], 0) / 200,
		neutral(r.willr[t], -50) / 100,
		neutral(r.adx[t], 0) / 100,
		neutral(r.stochK[t], 50) / 100,
		neutral(r.stochD[t], 50) / 100,
		obvSlope,
		neutral(r.mom[t], 0) / price,
		neutral(r.roc[t], 0),
	}
	vec = append(vec, patternSlots(bars, t)...)

	n := e.cfg.SequenceLength
	seq := make([][]float64, n)
	win := make([][]float64, n)
	closeCol := make([]float64, n)
	for i := 0; i < n; i++ {
		src := bars[t-n+1+i]
		seq[i] = []float64{src.Open, src.High, src.Low, src.Close, src.Volume}
		closeCol[i] = src.Close
	}
	closeNorm := windowMinMax(closeCol)
	for i := 0; i < n; i++ {
		idx := t - n + 1 + i
		win[i] = []float64{
			closeNorm[i],
			neutral(r.rsi[idx], 50) / 100,
			neutral(r.macd[idx], 0) / price,
			neutral(r.macdH[idx], 0) / price,
		}
	}

	clean := true
	for i := t - n + 1 - maxLookback; i <= t; i++ {
		if i >= 0 && i < len(dirty) && dirty[i] {
			clean = false
			break
		}
	}

	return Row{Vector: vec, Sequence: seq, Window: win, Clean: clean}
}

// neutraliseBars replaces non-finite OHLCV values with the previous close
// and flags the affected positions.
func neutraliseBars(bars []market.Bar) ([]market.Bar, []bool) {
	dirty := make([]bool, len(bars))
	out := make([]market.Bar, len(bars))
	copy(out, bars)
	prevClose := 0.0
	for i := range out {
		b := &out[i]
		fix := func(v *float64) {
			if math.IsNaN(*v) || math.IsInf(*v, 0) {
				*v = prevClose
				dirty[i] = true
			}
		}
		fix(&b.Open)
		fix(&b.High)
		fix(&b.Low)
		fix(&b.Close)
		if math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) || b.Volume < 0 {
			b.Volume = 0
			dirty[i] = true
		}
		prevClose = b.Close
	}
	return out, dirty
}

func safeRatio(a, b float64) float64 {
	if b == 0 || math.IsNaN(a) || math.IsNaN(b) {
		return 1
	}
	return a / b
}

func neutral(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
