package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Label is the binary class predicted for a transaction.
type Label int

const (
	LabelSafe  Label = 0
	LabelFraud Label = 1
)

func (l Label) String() string {
	if l == LabelFraud {
		return "FRAUD"
	}
	return "SAFE"
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Label) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case "SAFE":
		*l = LabelSafe
	case "FRAUD":
		*l = LabelFraud
	default:
		return fmt.Errorf("unknown label %q", s)
	}
	return nil
}

// probabilityTolerance bounds |prob_safe + prob_fraud - 1|.
const probabilityTolerance = 1e-6

// Probabilities is the class probability pair of one evaluation.
type Probabilities struct {
	Safe  float64 `json:"prob_safe"`
	Fraud float64 `json:"prob_fraud"`
}

// Of returns the probability of class l.
func (p Probabilities) Of(l Label) float64 {
	if l == LabelFraud {
		return p.Fraud
	}
	return p.Safe
}

// Label is the argmax class; a tie resolves to SAFE.
func (p Probabilities) Label() Label {
	if p.Fraud > p.Safe {
		return LabelFraud
	}
	return LabelSafe
}

func (p Probabilities) validate() error {
	for _, v := range []float64{p.Safe, p.Fraud} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("invalid class probability %v", v)
		}
	}
	if math.Abs(p.Safe+p.Fraud-1) > probabilityTolerance {
		return fmt.Errorf("class probabilities sum to %v, expected 1", p.Safe+p.Fraud)
	}
	return nil
}

// Classifier is the capability the pipeline needs from a trained binary model.
// Implementations must be deterministic and safe for concurrent use.
type Classifier interface {
	// Predict returns the class of vector.
	Predict(vector []float64) (Label, error)
	// PredictProba returns the class probabilities of vector.
	PredictProba(vector []float64) (Probabilities, error)
}

// Evaluator is implemented by classifiers that can produce label and probabilities
// from a single evaluation.
type Evaluator interface {
	Evaluate(vector []float64) (Label, Probabilities, error)
}

// Adapter wraps a Classifier and enforces the output contract.
type Adapter struct {
	clf Classifier
}

func NewAdapter(clf Classifier) *Adapter {
	return &Adapter{clf: clf}
}

// Classify returns the predicted label and probabilities of vector, evaluating the model
// once when it supports that.
func (a *Adapter) Classify(vector []float64) (Label, Probabilities, error) {
	var (
		label Label
		proba Probabilities
		err   error
	)
	if ev, ok := a.clf.(Evaluator); ok {
		label, proba, err = ev.Evaluate(vector)
		if err != nil {
			return 0, Probabilities{}, err
		}
	} else {
		if label, err = a.clf.Predict(vector); err != nil {
			return 0, Probabilities{}, err
		}
		if proba, err = a.clf.PredictProba(vector); err != nil {
			return 0, Probabilities{}, err
		}
	}

	if err := proba.validate(); err != nil {
		return 0, Probabilities{}, err
	}
	if label != LabelSafe && label != LabelFraud {
		return 0, Probabilities{}, fmt.Errorf("classifier returned non-binary label %d", label)
	}
	return label, proba, nil
}

// Confidence is the probability of the predicted class as a percentage.
func Confidence(label Label, proba Probabilities) float64 {
	return proba.Of(label) * 100
}
