package ml

import (
	"testing"
)

func TestEvaluate(t *testing.T) {
	outcomes := []Outcome{
		{Actual: LabelFraud, Predicted: LabelFraud, ProbFraud: 0.9},
		{Actual: LabelFraud, Predicted: LabelSafe, ProbFraud: 0.4},
		{Actual: LabelSafe, Predicted: LabelFraud, ProbFraud: 0.6},
		{Actual: LabelSafe, Predicted: LabelSafe, ProbFraud: 0.1},
		{Actual: LabelSafe, Predicted: LabelSafe, ProbFraud: 0.4},
	}

	r := Evaluate(outcomes)

	want := ConfusionMatrix{TrueNegative: 2, FalsePositive: 1, FalseNegative: 1, TruePositive: 1}
	if r.Confusion != want {
		t.Errorf("confusion = %+v, want %+v", r.Confusion, want)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"accuracy", r.Accuracy, 0.6},
		{"precision", r.Precision, 0.5},
		{"recall", r.Recall, 0.5},
		{"f1", r.F1Score, 0.5},
		{"roc_auc", r.ROCAUC, 0.75},
	}
	for _, c := range checks {
		if diff := c.got - c.want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !r.ROCAUCDefined {
		t.Error("ROC-AUC should be defined with both classes present")
	}
	if r.Samples != 5 {
		t.Errorf("samples = %d, want 5", r.Samples)
	}
}

func TestEvaluate_SingleClass(t *testing.T) {
	r := Evaluate([]Outcome{
		{Actual: LabelSafe, Predicted: LabelSafe, ProbFraud: 0.2},
		{Actual: LabelSafe, Predicted: LabelSafe, ProbFraud: 0.3},
	})
	if r.ROCAUCDefined {
		t.Error("ROC-AUC must be undefined without positives")
	}
	if r.Accuracy != 1 || r.Precision != 0 || r.Recall != 0 || r.F1Score != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestEvaluate_Empty(t *testing.T) {
	r := Evaluate(nil)
	if r.Samples != 0 || r.Accuracy != 0 || r.ROCAUCDefined {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestEvaluate_PerfectRanking(t *testing.T) {
	r := Evaluate([]Outcome{
		{Actual: LabelSafe, ProbFraud: 0.1},
		{Actual: LabelSafe, ProbFraud: 0.2},
		{Actual: LabelFraud, Predicted: LabelFraud, ProbFraud: 0.8},
	})
	if r.ROCAUC != 1 {
		t.Errorf("roc_auc = %v, want 1", r.ROCAUC)
	}
}
