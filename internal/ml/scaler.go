package ml

import (
	"math"
	"sort"

	"fraudguard/internal/features"
)

// ScaleParam is the fitted mean and standard deviation of one numerical column.
type ScaleParam struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ScalingParameters maps numerical column names to their fitted parameters.
type ScalingParameters map[string]ScaleParam

// Scaler standardizes numerical columns with parameters frozen at training time.
type Scaler struct {
	params ScalingParameters
	fields []string
}

// NewScaler checks that every std is finite and nonzero.
func NewScaler(params ScalingParameters) (*Scaler, error) {
	if len(params) == 0 {
		return nil, configErrorf("scaling parameters are empty")
	}

	s := &Scaler{params: make(ScalingParameters, len(params))}
	for field, p := range params {
		if math.IsNaN(p.Mean) || math.IsInf(p.Mean, 0) {
			return nil, configErrorf("scaling mean for %q is not finite", field)
		}
		if !(p.Std > 0) || math.IsInf(p.Std, 0) {
			return nil, configErrorf("scaling std for %q must be finite and positive, got %v", field, p.Std)
		}
		s.params[field] = p
		s.fields = append(s.fields, field)
	}
	sort.Strings(s.fields)
	return s, nil
}

// Fields returns the scaled column names in sorted order.
func (s *Scaler) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Param returns the fitted parameters of field.
func (s *Scaler) Param(field string) (ScaleParam, bool) {
	p, ok := s.params[field]
	return p, ok
}

// Transform returns a copy of fs with each scaled column replaced by (x - mean) / std.
func (s *Scaler) Transform(fs FeatureSet) (FeatureSet, error) {
	out := fs.clone()
	for _, field := range s.fields {
		x, ok := fs[field]
		if !ok {
			return nil, configErrorf("numerical field %q required by scaler is absent", field)
		}
		p := s.params[field]
		out[field] = (x - p.Mean) / p.Std
	}
	return out, nil
}

// Inverse maps a scaled value of field back to its original unit.
func (s *Scaler) Inverse(field string, z float64) (float64, bool) {
	p, ok := s.params[field]
	if !ok {
		return 0, false
	}
	return z*p.Std + p.Mean, true
}

// FitScalingParameters computes the population mean and std of every numerical column
// over rows. Fixture and tooling helper; serving code never refits.
func FitScalingParameters(rows []features.EngineeredFeatures) ScalingParameters {
	params := make(ScalingParameters, len(features.NumericalColumns))
	if len(rows) == 0 {
		return params
	}

	n := float64(len(rows))
	for _, col := range features.NumericalColumns {
		var sum float64
		for _, r := range rows {
			sum += r.Numerical()[col]
		}
		mean := sum / n

		var sq float64
		for _, r := range rows {
			d := r.Numerical()[col] - mean
			sq += d * d
		}
		std := math.Sqrt(sq / n)
		if std == 0 {
			// zero-variance column: keep the scale at 1 like sklearn does
			std = 1
		}
		params[col] = ScaleParam{Mean: mean, Std: std}
	}
	return params
}
