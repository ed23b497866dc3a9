package ml

import (
	"math"
	"sort"
	"sync"

	"fraudguard/internal/features"

	"github.com/rs/zerolog/log"
)

// Drift severities, from least to most serious.
const (
	DriftNone     = "none"
	DriftMedium   = "medium"
	DriftHigh     = "high"
	DriftCritical = "critical"
)

const minDriftSamples = 30

// DriftConfig configures drift detection
type DriftConfig struct {
	// WindowSize is how many recent transactions are compared with the training baseline.
	WindowSize int
	// Threshold is the moments score above which a feature counts as drifted.
	Threshold float64
}

// FeatureDrift compares the recent window of one numerical feature with its training
// distribution. Mean and StdDev are in standardized units, so a window that matches
// training has Mean near 0 and StdDev near 1.
type FeatureDrift struct {
	Feature  string  `json:"feature"`
	Samples  int     `json:"samples"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
	Score    float64 `json:"score"`
	Severity string  `json:"severity"`
}

// DriftReport is a snapshot of every monitored feature.
type DriftReport struct {
	Observed  int64          `json:"observed"`
	Threshold float64        `json:"threshold"`
	Drifted   bool           `json:"drifted"`
	Features  []FeatureDrift `json:"features"`
}

// window is a fixed-size ring of standardized values.
type window struct {
	values []float64
	next   int
	full   bool
}

func (w *window) add(v float64) {
	w.values[w.next] = v
	w.next++
	if w.next == len(w.values) {
		w.next = 0
		w.full = true
	}
}

func (w *window) samples() []float64 {
	if w.full {
		return w.values
	}
	return w.values[:w.next]
}

// DriftDetector watches live transactions for numerical features whose distribution
// has moved away from the one the scaler was fitted on. It is owned by the caller and
// never changes what the pipeline predicts.
type DriftDetector struct {
	mu        sync.Mutex
	baseline  ScalingParameters
	fields    []string
	windows   map[string]*window
	size      int
	threshold float64
	observed  int64
}

// NewDriftDetector uses params, the training mean and std of each numerical feature,
// as the baseline.
func NewDriftDetector(params ScalingParameters, config DriftConfig) *DriftDetector {
	dd := &DriftDetector{
		baseline:  params,
		windows:   make(map[string]*window, len(params)),
		size:      config.WindowSize,
		threshold: config.Threshold,
	}
	if dd.size < minDriftSamples {
		dd.size = 1000
	}
	if dd.threshold <= 0 {
		dd.threshold = 0.25
	}

	for field := range params {
		if features.IsNumerical(field) {
			dd.fields = append(dd.fields, field)
			dd.windows[field] = &window{values: make([]float64, dd.size)}
		}
	}
	sort.Strings(dd.fields)
	return dd
}

// Observe adds tx to the recent window. Transactions that fail validation are ignored.
// A warning is logged for drifted features each time a full window has been observed.
func (dd *DriftDetector) Observe(tx features.Transaction) {
	f, err := features.Derive(tx)
	if err != nil {
		return
	}
	values := f.Numerical()

	dd.mu.Lock()
	for _, field := range dd.fields {
		p := dd.baseline[field]
		dd.windows[field].add((values[field] - p.Mean) / p.Std)
	}
	dd.observed++
	checkpoint := dd.observed%int64(dd.size) == 0
	var report DriftReport
	if checkpoint {
		report = dd.reportLocked()
	}
	dd.mu.Unlock()

	if !checkpoint {
		return
	}
	for _, fd := range report.Features {
		if fd.Severity != DriftNone {
			log.Warn().
				Str("feature", fd.Feature).
				Str("severity", fd.Severity).
				Float64("score", fd.Score).
				Float64("mean", fd.Mean).
				Float64("stdDev", fd.StdDev).
				Msg("Feature drift detected")
		}
	}
}

// Report returns the current drift status of every monitored feature.
func (dd *DriftDetector) Report() DriftReport {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return dd.reportLocked()
}

func (dd *DriftDetector) reportLocked() DriftReport {
	r := DriftReport{
		Observed:  dd.observed,
		Threshold: dd.threshold,
		Features:  make([]FeatureDrift, 0, len(dd.fields)),
	}
	for _, field := range dd.fields {
		samples := dd.windows[field].samples()
		fd := FeatureDrift{Feature: field, Samples: len(samples), Severity: DriftNone}
		if len(samples) >= minDriftSamples {
			fd.Mean, fd.StdDev = moments(samples)
			fd.Score = momentsScore(fd.Mean, fd.StdDev)
			fd.Severity = severity(fd.Score, dd.threshold)
		}
		if fd.Severity != DriftNone {
			r.Drifted = true
		}
		r.Features = append(r.Features, fd)
	}
	return r
}

// Reset clears the recent windows, e.g. after the model is replaced.
func (dd *DriftDetector) Reset() {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	for _, field := range dd.fields {
		dd.windows[field] = &window{values: make([]float64, dd.size)}
	}
	dd.observed = 0
}

func moments(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

// momentsScore averages the normalized shifts in mean and std against a standardized
// baseline (mean 0, std 1).
func momentsScore(mean, std float64) float64 {
	meanShift := math.Abs(mean)
	stdShift := math.Abs(std-1) / 2
	return (meanShift + stdShift) / 2
}

func severity(score, threshold float64) string {
	switch {
	case score > 3*threshold:
		return DriftCritical
	case score > 2*threshold:
		return DriftHigh
	case score > threshold:
		return DriftMedium
	default:
		return DriftNone
	}
}
