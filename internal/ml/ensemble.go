package ml

import (
	"fmt"
	"math"
)

// Classifier kinds accepted in a model artifact.
const (
	KindRandomForest     = "random_forest"
	KindGradientBoosting = "gradient_boosting"
	KindLogistic         = "logistic"
)

// ClassifierSpec is the serialized form of a trained classifier.
type ClassifierSpec struct {
	Type        string     `json:"type"`
	NumFeatures int        `json:"n_features"`
	Trees       []TreeSpec `json:"trees,omitempty"`
	BaseMargin  float64    `json:"base_margin,omitempty"`
	Weights     []float64  `json:"weights,omitempty"`
	Intercept   float64    `json:"intercept,omitempty"`
}

// TreeSpec is one decision tree stored as a flat node array rooted at index 0.
type TreeSpec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// NodeSpec is a split node, or a leaf when Left and Right are both -1.
// Random forest leaves carry the class distribution [safe, fraud]; gradient boosting
// leaves carry a single margin contribution.
type NodeSpec struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

func (n NodeSpec) leaf() bool { return n.Left == -1 && n.Right == -1 }

// FeatureWidth is implemented by classifiers that know their input vector length.
type FeatureWidth interface {
	NumFeatures() int
}

// BuildClassifier turns a spec into an immutable classifier.
func BuildClassifier(spec ClassifierSpec) (Classifier, error) {
	if spec.NumFeatures <= 0 {
		return nil, fmt.Errorf("classifier n_features must be positive, got %d", spec.NumFeatures)
	}

	switch spec.Type {
	case KindRandomForest:
		return newRandomForest(spec)
	case KindGradientBoosting:
		return newGradientBoosting(spec)
	case KindLogistic:
		return newLogistic(spec)
	default:
		return nil, fmt.Errorf("unsupported classifier type %q", spec.Type)
	}
}

type tree struct {
	nodes []NodeSpec
	// inclusive selects x <= threshold for the left branch, otherwise x < threshold.
	inclusive bool
}

func newTree(spec TreeSpec, nFeatures, leafWidth int, inclusive bool) (tree, error) {
	if len(spec.Nodes) == 0 {
		return tree{}, fmt.Errorf("tree has no nodes")
	}
	nodes := make([]NodeSpec, len(spec.Nodes))
	for i, n := range spec.Nodes {
		if n.leaf() {
			if len(n.Value) != leafWidth {
				return tree{}, fmt.Errorf("leaf %d has %d values, expected %d", i, len(n.Value), leafWidth)
			}
			for _, v := range n.Value {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return tree{}, fmt.Errorf("leaf %d has non-finite value", i)
				}
			}
			n.Value = append([]float64(nil), n.Value...)
			nodes[i] = n
			continue
		}
		// children always follow their parent, which also rules out cycles
		if n.Left <= i || n.Right <= i || n.Left >= len(spec.Nodes) || n.Right >= len(spec.Nodes) {
			return tree{}, fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return tree{}, fmt.Errorf("node %d splits on feature %d, classifier has %d", i, n.Feature, nFeatures)
		}
		if math.IsNaN(n.Threshold) {
			return tree{}, fmt.Errorf("node %d has NaN threshold", i)
		}
		nodes[i] = n
	}
	return tree{nodes: nodes, inclusive: inclusive}, nil
}

func (t tree) leafFor(x []float64) []float64 {
	i := 0
	for {
		n := t.nodes[i]
		if n.leaf() {
			return n.Value
		}
		goLeft := x[n.Feature] < n.Threshold
		if t.inclusive {
			goLeft = x[n.Feature] <= n.Threshold
		}
		if goLeft {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func checkVector(x []float64, n int) error {
	if len(x) != n {
		return fmt.Errorf("expected %d features, got %d", n, len(x))
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %d is not finite", i)
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// RandomForest averages the leaf class distributions of its trees.
type RandomForest struct {
	nFeatures int
	trees     []tree
}

func newRandomForest(spec ClassifierSpec) (*RandomForest, error) {
	if len(spec.Trees) == 0 {
		return nil, fmt.Errorf("random forest has no trees")
	}
	rf := &RandomForest{nFeatures: spec.NumFeatures}
	for i, ts := range spec.Trees {
		t, err := newTree(ts, spec.NumFeatures, 2, true)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		// leaves may hold sample counts; normalize to a distribution
		for j := range t.nodes {
			n := &t.nodes[j]
			if !n.leaf() {
				continue
			}
			sum := n.Value[0] + n.Value[1]
			if n.Value[0] < 0 || n.Value[1] < 0 || sum <= 0 {
				return nil, fmt.Errorf("tree %d leaf %d has invalid class distribution %v", i, j, n.Value)
			}
			n.Value[0] /= sum
			n.Value[1] /= sum
		}
		rf.trees = append(rf.trees, t)
	}
	return rf, nil
}

func (rf *RandomForest) NumFeatures() int { return rf.nFeatures }

func (rf *RandomForest) Evaluate(x []float64) (Label, Probabilities, error) {
	if err := checkVector(x, rf.nFeatures); err != nil {
		return 0, Probabilities{}, err
	}
	var safe, fraud float64
	for _, t := range rf.trees {
		v := t.leafFor(x)
		safe += v[0]
		fraud += v[1]
	}
	n := float64(len(rf.trees))
	p := Probabilities{Safe: safe / n, Fraud: fraud / n}
	return p.Label(), p, nil
}

func (rf *RandomForest) Predict(x []float64) (Label, error) {
	l, _, err := rf.Evaluate(x)
	return l, err
}

func (rf *RandomForest) PredictProba(x []float64) (Probabilities, error) {
	_, p, err := rf.Evaluate(x)
	return p, err
}

// GradientBoosting sums leaf margins on top of a base margin and applies the logistic link.
type GradientBoosting struct {
	nFeatures  int
	baseMargin float64
	trees      []tree
}

func newGradientBoosting(spec ClassifierSpec) (*GradientBoosting, error) {
	if len(spec.Trees) == 0 {
		return nil, fmt.Errorf("gradient boosting model has no trees")
	}
	if math.IsNaN(spec.BaseMargin) || math.IsInf(spec.BaseMargin, 0) {
		return nil, fmt.Errorf("base margin is not finite")
	}
	gb := &GradientBoosting{nFeatures: spec.NumFeatures, baseMargin: spec.BaseMargin}
	for i, ts := range spec.Trees {
		t, err := newTree(ts, spec.NumFeatures, 1, false)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		gb.trees = append(gb.trees, t)
	}
	return gb, nil
}

func (gb *GradientBoosting) NumFeatures() int { return gb.nFeatures }

func (gb *GradientBoosting) Evaluate(x []float64) (Label, Probabilities, error) {
	if err := checkVector(x, gb.nFeatures); err != nil {
		return 0, Probabilities{}, err
	}
	margin := gb.baseMargin
	for _, t := range gb.trees {
		margin += t.leafFor(x)[0]
	}
	fraud := sigmoid(margin)
	p := Probabilities{Safe: 1 - fraud, Fraud: fraud}
	return p.Label(), p, nil
}

func (gb *GradientBoosting) Predict(x []float64) (Label, error) {
	l, _, err := gb.Evaluate(x)
	return l, err
}

func (gb *GradientBoosting) PredictProba(x []float64) (Probabilities, error) {
	_, p, err := gb.Evaluate(x)
	return p, err
}

// Logistic is a linear model with a logistic link.
type Logistic struct {
	weights   []float64
	intercept float64
}

func newLogistic(spec ClassifierSpec) (*Logistic, error) {
	if len(spec.Weights) != spec.NumFeatures {
		return nil, fmt.Errorf("logistic model has %d weights for %d features", len(spec.Weights), spec.NumFeatures)
	}
	for i, w := range append([]float64{spec.Intercept}, spec.Weights...) {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("logistic coefficient %d is not finite", i)
		}
	}
	return &Logistic{weights: append([]float64(nil), spec.Weights...), intercept: spec.Intercept}, nil
}

func (lg *Logistic) NumFeatures() int { return len(lg.weights) }

func (lg *Logistic) Evaluate(x []float64) (Label, Probabilities, error) {
	if err := checkVector(x, len(lg.weights)); err != nil {
		return 0, Probabilities{}, err
	}
	z := lg.intercept
	for i, w := range lg.weights {
		z += w * x[i]
	}
	fraud := sigmoid(z)
	p := Probabilities{Safe: 1 - fraud, Fraud: fraud}
	return p.Label(), p, nil
}

func (lg *Logistic) Predict(x []float64) (Label, error) {
	l, _, err := lg.Evaluate(x)
	return l, err
}

func (lg *Logistic) PredictProba(x []float64) (Probabilities, error) {
	_, p, err := lg.Evaluate(x)
	return p, err
}
