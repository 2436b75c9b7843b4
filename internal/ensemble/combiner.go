// Package ensemble combines three base scorers with a learned meta-model.
// The meta-model sees each base model's argmax and full probability vector,
// so disagreement patterns between the bases carry information that a plain
// average would lose.
package ensemble

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/model"
)

// MetaWidth is the meta-feature width: (argmax, probs[3]) per base model.
const MetaWidth = 3 * (1 + model.NumClasses)

// Snapshot captures the market state a prediction was made against.
type Snapshot struct {
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Price     float64          `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
}

// Prediction is the ensemble output for one instant.
type Prediction struct {
	Probs      [model.NumClasses]float64 `json:"probs"`
	Class      model.Class               `json:"class"`
	Confidence float64                   `json:"confidence"`
	SubScores  []float64                 `json:"sub_scores"` // meta-feature fed to the meta-model
	Snapshot   Snapshot                  `json:"snapshot"`
}

// TrainReport aggregates per-model training metrics.
type TrainReport struct {
	Vector   *model.Metrics `json:"vector"`
	Sequence *model.Metrics `json:"sequence"`
	Window   *model.Metrics `json:"window"`
	Meta     *model.Metrics `json:"meta"`
}

// Combiner holds the three base scorers and the meta-model. The base
// scorers consume, in order: the flat indicator vector, the flattened
// OHLCV sequence, and the flattened indicator window.
type Combiner struct {
	vector   model.Scorer
	sequence model.Scorer
	window   model.Scorer
	meta     model.Scorer
}

// New creates a combiner from capability values.
func New(vector, sequence, window, meta model.Scorer) *Combiner {
	return &Combiner{vector: vector, sequence: sequence, window: window, meta: meta}
}

// NewDefault builds a combiner with seeded logistic scorers throughout.
// Production deployments swap the bases for their trained tree, sequence
// and convolutional artifacts; the capability set is all that matters.
func NewDefault(seed int64) *Combiner {
	return New(
		model.NewLogistic(200, 0.05, seed),
		model.NewLogistic(200, 0.05, seed+1),
		model.NewLogistic(200, 0.05, seed+2),
		model.NewLogistic(300, 0.1, seed+3),
	)
}

// Train fits the base scorers on their artifacts, then fits the meta-model
// on the concatenated base outputs.
func (c *Combiner) Train(set *features.Set) (*TrainReport, error) {
	if len(set.Rows) == 0 {
		return nil, fmt.Errorf("empty training set")
	}

	n := len(set.Rows)
	vecX := make([][]float64, n)
	seqX := make([][]float64, n)
	winX := make([][]float64, n)
	y := make([]model.Class, n)
	for i, row := range set.Rows {
		vecX[i] = row.Vector
		seqX[i] = model.Flatten(row.Sequence)
		winX[i] = model.Flatten(row.Window)
		y[i] = row.Label
	}

	report := &TrainReport{}
	var err error
	if report.Vector, err = c.vector.Train(vecX, y); err != nil {
		return nil, fmt.Errorf("vector scorer: %w", err)
	}
	if report.Sequence, err = c.sequence.Train(seqX, y); err != nil {
		return nil, fmt.Errorf("sequence scorer: %w", err)
	}
	if report.Window, err = c.window.Train(winX, y); err != nil {
		return nil, fmt.Errorf("window scorer: %w", err)
	}

	metaX := make([][]float64, n)
	for i, row := range set.Rows {
		mf, err := c.metaFeature(&row)
		if err != nil {
			return nil, fmt.Errorf("meta feature %d: %w", i, err)
		}
		metaX[i] = mf
	}
	if report.Meta, err = c.meta.Train(metaX, y); err != nil {
		return nil, fmt.Errorf("meta scorer: %w", err)
	}

	log.Info().
		Float64("vector_acc", report.Vector.Accuracy).
		Float64("sequence_acc", report.Sequence.Accuracy).
		Float64("window_acc", report.Window.Accuracy).
		Float64("meta_acc", report.Meta.Accuracy).
		Int("samples", n).
		Msg("Ensemble trained")
	return report, nil
}

// Predict routes one feature row through the bases and the meta-model.
func (c *Combiner) Predict(row *features.Row, snap Snapshot) (*Prediction, error) {
	mf, err := c.metaFeature(row)
	if err != nil {
		return nil, err
	}
	cls, probs, err := c.meta.Predict(mf)
	if err != nil {
		return nil, fmt.Errorf("meta scorer: %w", err)
	}

	conf := probs[cls]
	return &Prediction{
		Probs:      probs,
		Class:      cls,
		Confidence: conf,
		SubScores:  mf,
		Snapshot:   snap,
	}, nil
}

// metaFeature concatenates (argmax, probs) for each base model.
func (c *Combiner) metaFeature(row *features.Row) ([]float64, error) {
	out := make([]float64, 0, MetaWidth)

	for _, base := range []struct {
		name   string
		scorer model.Scorer
		input  []float64
	}{
		{"vector", c.vector, row.Vector},
		{"sequence", c.sequence, model.Flatten(row.Sequence)},
		{"window", c.window, model.Flatten(row.Window)},
	} {
		cls, probs, err := base.scorer.Predict(base.input)
		if err != nil {
			return nil, fmt.Errorf("%s scorer: %w", base.name, err)
		}
		out = append(out, float64(cls))
		out = append(out, probs[:]...)
	}
	return out, nil
}

// Artifact file names inside the ensemble directory.
const (
	vectorArtifact   = "vector.json"
	sequenceArtifact = "sequence.json"
	windowArtifact   = "window.json"
	metaArtifact     = "meta.json"
)

// Save writes all four model artifacts under dir.
func (c *Combiner) Save(dir string) error {
	for _, p := range []struct {
		name   string
		scorer model.Scorer
	}{
		{vectorArtifact, c.vector},
		{sequenceArtifact, c.sequence},
		{windowArtifact, c.window},
		{metaArtifact, c.meta},
	} {
		if err := p.scorer.Save(filepath.Join(dir, p.name)); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.name, err)
		}
	}
	return nil
}

// Load restores all four model artifacts from dir.
func (c *Combiner) Load(dir string) error {
	for _, p := range []struct {
		name   string
		scorer model.Scorer
	}{
		{vectorArtifact, c.vector},
		{sequenceArtifact, c.sequence},
		{windowArtifact, c.window},
		{metaArtifact, c.meta},
	} {
		if err := p.scorer.Load(filepath.Join(dir, p.name)); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.name, err)
		}
	}
	return nil
}
