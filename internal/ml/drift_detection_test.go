package ml

import (
	"testing"

	"fraudguard/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driftRows(n int) []features.Transaction {
	rows := make([]features.Transaction, n)
	for i := range rows {
		rows[i] = features.Transaction{
			Category:  "grocery_pos",
			Amount:    10 + float64(i)*3,
			Gender:    "F",
			State:     "CA",
			Age:       20 + i,
			Hour:      i % 24,
			IsWeekend: i%3 == 0,
		}
	}
	return rows
}

func fitBaseline(t *testing.T, rows []features.Transaction) ScalingParameters {
	t.Helper()
	derived := make([]features.EngineeredFeatures, len(rows))
	for i, tx := range rows {
		f, err := features.Derive(tx)
		require.NoError(t, err)
		derived[i] = f
	}
	return FitScalingParameters(derived)
}

func featureDrift(t *testing.T, r DriftReport, name string) FeatureDrift {
	t.Helper()
	for _, fd := range r.Features {
		if fd.Feature == name {
			return fd
		}
	}
	t.Fatalf("feature %s not monitored", name)
	return FeatureDrift{}
}

func TestDriftDetector_MonitorsNumericalFeatures(t *testing.T) {
	dd := NewDriftDetector(ScalingParameters{
		"amt":      {Mean: 1, Std: 1},
		"hour":     {Mean: 1, Std: 1},
		"category": {Mean: 1, Std: 1},
	}, DriftConfig{})

	r := dd.Report()
	require.Len(t, r.Features, 2)
	assert.Equal(t, "amt", r.Features[0].Feature)
	assert.Equal(t, "hour", r.Features[1].Feature)
	assert.Equal(t, 0.25, r.Threshold)
}

func TestDriftDetector_NotEnoughSamples(t *testing.T) {
	rows := driftRows(40)
	dd := NewDriftDetector(fitBaseline(t, rows), DriftConfig{WindowSize: 40})

	for _, tx := range rows[:minDriftSamples-1] {
		dd.Observe(tx)
	}
	r := dd.Report()
	assert.False(t, r.Drifted)
	assert.Equal(t, int64(minDriftSamples-1), r.Observed)
	for _, fd := range r.Features {
		assert.Equal(t, minDriftSamples-1, fd.Samples)
		assert.Equal(t, DriftNone, fd.Severity)
		assert.Zero(t, fd.Score)
	}
}

func TestDriftDetector_TrainingDistributionDoesNotDrift(t *testing.T) {
	rows := driftRows(40)
	dd := NewDriftDetector(fitBaseline(t, rows), DriftConfig{WindowSize: 40})

	for _, tx := range rows {
		dd.Observe(tx)
	}
	r := dd.Report()
	assert.False(t, r.Drifted)
	for _, fd := range r.Features {
		assert.InDelta(t, 0, fd.Mean, 1e-9, fd.Feature)
		assert.InDelta(t, 1, fd.StdDev, 1e-9, fd.Feature)
		assert.InDelta(t, 0, fd.Score, 1e-9, fd.Feature)
	}
}

func TestDriftDetector_ShiftedAmounts(t *testing.T) {
	a := loadGoldenPipeline(t, nil).Artifact()
	dd := NewDriftDetector(a.Scaler, DriftConfig{WindowSize: 30})

	tx := grocerySample()
	tx.Amount = 5000
	for i := 0; i < 30; i++ {
		dd.Observe(tx)
	}

	r := dd.Report()
	assert.True(t, r.Drifted)
	amt := featureDrift(t, r, "amt")
	assert.Equal(t, DriftCritical, amt.Severity)
	assert.InDelta(t, (5000-70.35)/160.3, amt.Mean, 1e-9)
}

func TestDriftDetector_WindowSlides(t *testing.T) {
	rows := driftRows(30)
	dd := NewDriftDetector(fitBaseline(t, rows), DriftConfig{WindowSize: 30})

	shifted := rows[0]
	shifted.Amount = 1e6
	for i := 0; i < 30; i++ {
		dd.Observe(shifted)
	}
	require.True(t, dd.Report().Drifted)

	for _, tx := range rows {
		dd.Observe(tx)
	}
	r := dd.Report()
	assert.Equal(t, int64(60), r.Observed)
	assert.False(t, r.Drifted)
	assert.Equal(t, 30, featureDrift(t, r, "amt").Samples)
}

func TestDriftDetector_IgnoresInvalidAndResets(t *testing.T) {
	rows := driftRows(30)
	dd := NewDriftDetector(fitBaseline(t, rows), DriftConfig{WindowSize: 30})

	bad := rows[0]
	bad.Hour = 24
	dd.Observe(bad)
	assert.Zero(t, dd.Report().Observed)

	dd.Observe(rows[1])
	require.Equal(t, int64(1), dd.Report().Observed)

	dd.Reset()
	r := dd.Report()
	assert.Zero(t, r.Observed)
	assert.Zero(t, featureDrift(t, r, "amt").Samples)
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.1, DriftNone},
		{0.25, DriftNone},
		{0.3, DriftMedium},
		{0.6, DriftHigh},
		{0.8, DriftCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severity(tt.score, 0.25), "score %v", tt.score)
	}
}
