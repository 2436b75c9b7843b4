package features

import (
	"errors"
	"math"
)

// ErrNotFitted indicates a scaler was used before Fit.
var ErrNotFitted = errors.New("scaler not fitted")

// ZScoreScaler standardises each column to zero mean and unit variance.
// Stats are fitted on the training set and reused verbatim at inference;
// the fitted state is part of the persisted ensemble artifact.
type ZScoreScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes per-column stats. Zero-variance columns get Std 1 so they
// transform to a constant instead of dividing by zero.
func (s *ZScoreScaler) Fit(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	width := len(rows[0])
	s.Mean = make([]float64, width)
	s.Std = make([]float64, width)

	for c := 0; c < width; c++ {
		var sum float64
		for _, r := range rows {
			sum += r[c]
		}
		mean := sum / float64(len(rows))
		var sq float64
		for _, r := range rows {
			d := r[c] - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(rows)))
		if std == 0 {
			std = 1
		}
		s.Mean[c] = mean
		s.Std[c] = std
	}
}

// Transform standardises one row in place-safe fashion.
func (s *ZScoreScaler) Transform(row []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.Mean) {
		return nil, errors.New("row width does not match fitted stats")
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out, nil
}

// Fitted reports whether Fit has been called.
func (s *ZScoreScaler) Fitted() bool { return len(s.Mean) > 0 }

// MinMaxScaler scales each column into [0,1] using training-set extremes.
type MinMaxScaler struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// Fit records per-column extremes over all rows of all samples.
func (s *MinMaxScaler) Fit(samples [][][]float64) {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return
	}
	width := len(samples[0][0])
	s.Min = make([]float64, width)
	s.Max = make([]float64, width)
	for c := 0; c < width; c++ {
		s.Min[c] = math.Inf(1)
		s.Max[c] = math.Inf(-1)
	}
	for _, sample := range samples {
		for _, row := range sample {
			for c, v := range row {
				s.Min[c] = math.Min(s.Min[c], v)
				s.Max[c] = math.Max(s.Max[c], v)
			}
		}
	}
}

// Transform scales one sample (rows × columns). Values outside the fitted
// range clamp to [0,1].
func (s *MinMaxScaler) Transform(sample [][]float64) ([][]float64, error) {
	if len(s.Min) == 0 {
		return nil, ErrNotFitted
	}
	out := make([][]float64, len(sample))
	for r, row := range sample {
		if len(row) != len(s.Min) {
			return nil, errors.New("sample width does not match fitted stats")
		}
		out[r] = make([]float64, len(row))
		for c, v := range row {
			span := s.Max[c] - s.Min[c]
			if span == 0 {
				out[r][c] = 0.5
				continue
			}
			out[r][c] = clamp01((v - s.Min[c]) / span)
		}
	}
	return out, nil
}

// Fitted reports whether Fit has been called.
func (s *MinMaxScaler) Fitted() bool { return len(s.Min) > 0 }

// windowMinMax normalises one column of a window against that window only,
// giving the convolutional scorer scale-invariant shapes.
func windowMinMax(vals []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(vals))
	span := hi - lo
	for i, v := range vals {
		if math.IsNaN(v) || span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - lo) / span
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
