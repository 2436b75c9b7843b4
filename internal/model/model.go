// Package model defines the scoring-model capability the engine consumes.
// A Scorer is anything that can train on labelled vectors, produce a
// three-class probability distribution, and round-trip through an artifact
// file. The ensemble holds one Scorer per base artifact plus one for the
// meta-model; implementations are interchangeable.
package model

import (
	"errors"
	"fmt"
)

// Class is a direction label.
type Class int

const (
	ClassDown Class = iota
	ClassFlat
	ClassUp

	// NumClasses is the width of every probability vector.
	NumClasses = 3
)

// String returns the canonical class name.
func (c Class) String() string {
	switch c {
	case ClassDown:
		return "DOWN"
	case ClassFlat:
		return "FLAT"
	case ClassUp:
		return "UP"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

var (
	// ErrNotReady indicates Predict was called before Train or Load.
	ErrNotReady = errors.New("model not ready")

	// ErrShape indicates an input vector width mismatch.
	ErrShape = errors.New("feature shape mismatch")
)

// Metrics summarises a training run.
type Metrics struct {
	Samples   int     `json:"samples"`
	Epochs    int     `json:"epochs"`
	Loss      float64 `json:"loss"`
	Accuracy  float64 `json:"accuracy"`
	ClassDist [3]int  `json:"class_dist"`
}

// Scorer is the scoring-model capability set.
//
// Predict is deterministic for a fixed artifact and input. Train may be
// stochastic but must honour the seed its implementation was built with.
type Scorer interface {
	Train(X [][]float64, y []Class) (*Metrics, error)
	Predict(x []float64) (Class, [NumClasses]float64, error)
	Save(path string) error
	Load(path string) error
}

// Flatten turns a matrix artifact (sequence or indicator window) into the
// flat vector a Scorer consumes, row-major.
func Flatten(sample [][]float64) []float64 {
	if len(sample) == 0 {
		return nil
	}
	out := make([]float64, 0, len(sample)*len(sample[0]))
	for _, row := range sample {
		out = append(out, row...)
	}
	return out
}

// Argmax returns the class with the highest probability.
func Argmax(probs [NumClasses]float64) Class {
	best := 0
	for i := 1; i < NumClasses; i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return Class(best)
}
