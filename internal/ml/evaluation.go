package ml

import (
	"sort"
)

// Outcome pairs a ground-truth label with a prediction for evaluation.
type Outcome struct {
	Actual    Label
	Predicted Label
	ProbFraud float64
}

// ConfusionMatrix counts outcomes with FRAUD as the positive class.
type ConfusionMatrix struct {
	TrueNegative  int `json:"true_negative"`
	FalsePositive int `json:"false_positive"`
	FalseNegative int `json:"false_negative"`
	TruePositive  int `json:"true_positive"`
}

// EvaluationReport holds the metrics recorded for a model at training time.
type EvaluationReport struct {
	Samples   int     `json:"samples"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	ROCAUC    float64 `json:"roc_auc"`
	// ROCAUCDefined is false when only one class is present.
	ROCAUCDefined bool            `json:"roc_auc_defined"`
	Confusion     ConfusionMatrix `json:"confusion_matrix"`
}

// Evaluate computes classification metrics over outcomes. Ratios with a zero
// denominator are reported as 0.
func Evaluate(outcomes []Outcome) EvaluationReport {
	r := EvaluationReport{Samples: len(outcomes)}
	if len(outcomes) == 0 {
		return r
	}

	cm := &r.Confusion
	for _, o := range outcomes {
		switch {
		case o.Actual == LabelFraud && o.Predicted == LabelFraud:
			cm.TruePositive++
		case o.Actual == LabelFraud:
			cm.FalseNegative++
		case o.Predicted == LabelFraud:
			cm.FalsePositive++
		default:
			cm.TrueNegative++
		}
	}

	r.Accuracy = ratio(cm.TruePositive+cm.TrueNegative, len(outcomes))
	r.Precision = ratio(cm.TruePositive, cm.TruePositive+cm.FalsePositive)
	r.Recall = ratio(cm.TruePositive, cm.TruePositive+cm.FalseNegative)
	if r.Precision+r.Recall > 0 {
		r.F1Score = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	r.ROCAUC, r.ROCAUCDefined = rocAUC(outcomes)
	return r
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// rocAUC uses the Mann-Whitney rank statistic with tied scores sharing their mean rank.
func rocAUC(outcomes []Outcome) (float64, bool) {
	idx := make([]int, len(outcomes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return outcomes[idx[a]].ProbFraud < outcomes[idx[b]].ProbFraud
	})

	ranks := make([]float64, len(outcomes))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && outcomes[idx[j+1]].ProbFraud == outcomes[idx[i]].ProbFraud {
			j++
		}
		mean := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = mean
		}
		i = j + 1
	}

	var pos, neg int
	var rankSum float64
	for i, o := range outcomes {
		if o.Actual == LabelFraud {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}
	u := rankSum - float64(pos*(pos+1))/2
	return u / float64(pos*neg), true
}
