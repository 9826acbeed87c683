// Package model scores feature vectors with a trained classifier artifact.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/txfeatures/internal/features"
)

// DefaultThreshold is the fraud probability cut-off when an artifact omits one.
const DefaultThreshold = 0.5

// ErrNoModel is returned by scorers that have no artifact loaded.
var ErrNoModel = errors.New("model: no model loaded")

// Prediction is a scored vector.
type Prediction struct {
	Probability float64 `json:"proba"`
	Fraud       bool    `json:"is_fraud"`
}

// Scorer turns a feature vector into a fraud prediction.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (Prediction, error)
}

// Logistic is a logistic-regression artifact. Features must list the active
// schema in order. Mean and Scale, when present, standardize each input as
// (x-mean)/scale before the weights apply.
type Logistic struct {
	Name      string    `yaml:"name" json:"name"`
	Features  []string  `yaml:"features" json:"features"`
	Weights   []float64 `yaml:"weights" json:"weights"`
	Bias      float64   `yaml:"bias" json:"bias"`
	Threshold float64   `yaml:"threshold" json:"threshold"`
	Mean      []float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	Scale     []float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

var _ Scorer = (*Logistic)(nil)

// Load reads an artifact from a YAML or JSON file and validates it.
func Load(path string) (*Logistic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates an artifact. JSON input is accepted as YAML.
func Parse(data []byte) (*Logistic, error) {
	var m Logistic
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the artifact against the active feature schema and fills
// in the default threshold.
func (m *Logistic) Validate() error {
	if err := features.Verify(m.Features); err != nil {
		return err
	}
	if len(m.Weights) != features.Count {
		return fmt.Errorf("%w: %d weights for %d features", features.ErrSchemaMismatch, len(m.Weights), features.Count)
	}
	if m.Mean != nil && len(m.Mean) != features.Count {
		return fmt.Errorf("%w: %d means for %d features", features.ErrSchemaMismatch, len(m.Mean), features.Count)
	}
	if m.Scale != nil && len(m.Scale) != features.Count {
		return fmt.Errorf("%w: %d scales for %d features", features.ErrSchemaMismatch, len(m.Scale), features.Count)
	}
	if m.Threshold == 0 {
		m.Threshold = DefaultThreshold
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("threshold %v outside [0,1]", m.Threshold)
	}
	return nil
}

// Score returns sigmoid(w·x + b) and compares it with the threshold.
func (m *Logistic) Score(_ context.Context, v features.Vector) (Prediction, error) {
	z := m.Bias
	for i := 0; i < features.Count; i++ {
		x := v.At(i)
		if m.Mean != nil {
			x -= m.Mean[i]
		}
		if m.Scale != nil && m.Scale[i] != 0 {
			x /= m.Scale[i]
		}
		z += m.Weights[i] * x
	}
	p := 1 / (1 + math.Exp(-z))
	return Prediction{Probability: p, Fraud: p >= m.Threshold}, nil
}

// Unavailable is the scorer used when no artifact is configured.
type Unavailable struct{}

// Score always fails with ErrNoModel.
func (Unavailable) Score(context.Context, features.Vector) (Prediction, error) {
	return Prediction{}, ErrNoModel
}

// WithThreshold overrides the decision threshold of s when t is in (0,1].
func WithThreshold(s Scorer, t float64) Scorer {
	if t <= 0 || t > 1 {
		return s
	}
	return thresholded{s, t}
}

type thresholded struct {
	Scorer
	t float64
}

func (s thresholded) Score(ctx context.Context, v features.Vector) (Prediction, error) {
	p, err := s.Scorer.Score(ctx, v)
	if err != nil {
		return p, err
	}
	p.Fraud = p.Probability >= s.t
	return p, nil
}
