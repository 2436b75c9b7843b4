package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
)

// Logistic is a multinomial logistic-regression scorer over flat feature
// vectors. It serves two roles: the meta-model over concatenated
// sub-scores, and a trainable stand-in wherever a heavier base model
// (boosted trees, sequence or convolutional networks) is not deployed.
// Training is SGD with a fixed shuffle seed; prediction is deterministic.
type Logistic struct {
	Weights [][]float64 `json:"weights"` // NumClasses × (dim+1), last column is bias
	Dim     int         `json:"dim"`

	epochs int
	lr     float64
	seed   int64
	ready  bool
}

const logisticKind = "logistic"

// NewLogistic creates an untrained scorer.
func NewLogistic(epochs int, learningRate float64, seed int64) *Logistic {
	if epochs <= 0 {
		epochs = 200
	}
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &Logistic{epochs: epochs, lr: learningRate, seed: seed}
}

// Train fits the model with softmax cross-entropy SGD.
func (m *Logistic) Train(X [][]float64, y []Class) (*Metrics, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("%w: %d samples, %d labels", ErrShape, len(X), len(y))
	}
	dim := len(X[0])
	for i, x := range X {
		if len(x) != dim {
			return nil, fmt.Errorf("%w: sample %d has width %d, want %d", ErrShape, i, len(x), dim)
		}
	}

	m.Dim = dim
	m.Weights = make([][]float64, NumClasses)
	for c := range m.Weights {
		m.Weights[c] = make([]float64, dim+1)
	}

	rng := rand.New(rand.NewSource(m.seed))
	order := rng.Perm(len(X))
	var loss float64
	for epoch := 0; epoch < m.epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		loss = 0
		for _, idx := range order {
			probs := m.softmax(X[idx])
			loss += -math.Log(math.Max(probs[y[idx]], 1e-12))
			for c := 0; c < NumClasses; c++ {
				grad := probs[c]
				if Class(c) == y[idx] {
					grad -= 1
				}
				for d := 0; d < dim; d++ {
					m.Weights[c][d] -= m.lr * grad * X[idx][d]
				}
				m.Weights[c][dim] -= m.lr * grad
			}
		}
		loss /= float64(len(X))
	}
	m.ready = true

	metrics := &Metrics{Samples: len(X), Epochs: m.epochs, Loss: loss}
	correct := 0
	for i, x := range X {
		cls, _, err := m.Predict(x)
		if err != nil {
			return nil, err
		}
		if cls == y[i] {
			correct++
		}
		metrics.ClassDist[y[i]]++
	}
	metrics.Accuracy = float64(correct) / float64(len(X))

	log.Debug().
		Int("samples", metrics.Samples).
		Float64("loss", metrics.Loss).
		Float64("accuracy", metrics.Accuracy).
		Msg("Logistic scorer trained")
	return metrics, nil
}

// Predict returns the argmax class and the full probability vector.
func (m *Logistic) Predict(x []float64) (Class, [NumClasses]float64, error) {
	var probs [NumClasses]float64
	if !m.ready {
		return 0, probs, ErrNotReady
	}
	if len(x) != m.Dim {
		return 0, probs, fmt.Errorf("%w: input width %d, model width %d", ErrShape, len(x), m.Dim)
	}
	probs = m.softmax(x)
	return Argmax(probs), probs, nil
}

// Save writes the trained weights as an artifact.
func (m *Logistic) Save(path string) error {
	if !m.ready {
		return ErrNotReady
	}
	return SaveArtifact(path, logisticKind, m)
}

// Load restores weights from an artifact file.
func (m *Logistic) Load(path string) error {
	var loaded Logistic
	if err := LoadArtifact(path, logisticKind, &loaded); err != nil {
		return err
	}
	if len(loaded.Weights) != NumClasses {
		return fmt.Errorf("%w: artifact has %d classes", ErrShape, len(loaded.Weights))
	}
	m.Weights = loaded.Weights
	m.Dim = loaded.Dim
	m.ready = true
	return nil
}

func (m *Logistic) softmax(x []float64) [NumClasses]float64 {
	var logits [NumClasses]float64
	for c := 0; c < NumClasses; c++ {
		sum := m.Weights[c][m.Dim] // bias
		for d := 0; d < m.Dim; d++ {
			sum += m.Weights[c][d] * x[d]
		}
		logits[c] = sum
	}
	maxLogit := math.Max(logits[0], math.Max(logits[1], logits[2]))
	var probs [NumClasses]float64
	var total float64
	for c := 0; c < NumClasses; c++ {
		probs[c] = math.Exp(logits[c] - maxLogit)
		total += probs[c]
	}
	for c := 0; c < NumClasses; c++ {
		probs[c] /= total
	}
	return probs
}
