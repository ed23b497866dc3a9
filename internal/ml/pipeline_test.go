package ml

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fraudguard/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goldenModelPath = "testdata/fraud_model.json"

type goldenCase struct {
	Name        string               `json:"name"`
	Transaction features.Transaction `json:"transaction"`
	Vector      []float64            `json:"vector"`
	Expected    PredictionResult     `json:"expected"`
}

func loadGoldenPipeline(t *testing.T, metrics MetricsInterface) *Pipeline {
	t.Helper()
	p, err := LoadPipeline(goldenModelPath, metrics)
	require.NoError(t, err)
	return p
}

func loadGoldenCases(t *testing.T) []goldenCase {
	t.Helper()
	data, err := os.ReadFile("testdata/golden_predictions.json")
	require.NoError(t, err)
	var cases []goldenCase
	require.NoError(t, json.Unmarshal(data, &cases))
	require.NotEmpty(t, cases)
	return cases
}

func grocerySample() features.Transaction {
	return features.Transaction{
		Category:  "grocery_pos",
		Amount:    50.00,
		Gender:    "M",
		State:     "CA",
		Age:       35,
		Hour:      14,
		IsWeekend: false,
	}
}

func TestPipeline_GoldenPredictions(t *testing.T) {
	p := loadGoldenPipeline(t, nil)

	for _, gc := range loadGoldenCases(t) {
		t.Run(gc.Name, func(t *testing.T) {
			vec, err := p.Vector(gc.Transaction)
			require.NoError(t, err)
			require.Len(t, vec, len(gc.Vector))
			for i := range vec {
				assert.InDelta(t, gc.Vector[i], vec[i], 1e-12, "column %s", p.Columns()[i])
			}

			res, err := p.PredictTransaction(gc.Transaction)
			require.NoError(t, err)
			assert.Equal(t, gc.Expected.Label, res.Label)
			assert.InDelta(t, gc.Expected.ProbSafe, res.ProbSafe, 1e-12)
			assert.InDelta(t, gc.Expected.ProbFraud, res.ProbFraud, 1e-12)
			assert.InDelta(t, gc.Expected.Confidence, res.Confidence, 1e-9)
		})
	}
}

func TestPipeline_EndToEndScenario(t *testing.T) {
	p := loadGoldenPipeline(t, nil)

	res, err := p.PredictTransaction(grocerySample())
	require.NoError(t, err)
	assert.Contains(t, []Label{LabelSafe, LabelFraud}, res.Label)
	assert.InDelta(t, 1.0, res.ProbSafe+res.ProbFraud, 1e-6)
	assert.InDelta(t, math.Max(res.ProbSafe, res.ProbFraud)*100, res.Confidence, 1e-9)
}

func TestPipeline_ResultInvariants(t *testing.T) {
	p := loadGoldenPipeline(t, nil)

	categories := p.Encoder().Classes(features.ColCategory)
	states := p.Encoder().Classes(features.ColState)
	for i, cat := range categories {
		for hour := 0; hour <= 23; hour += 5 {
			tx := features.Transaction{
				Category:  cat,
				Amount:    float64(i*97%1200) + 0.5,
				Gender:    "F",
				State:     states[i%len(states)],
				Age:       18 + (i*7)%70,
				Hour:      hour,
				IsWeekend: i%2 == 0,
			}
			res, err := p.PredictTransaction(tx)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, res.ProbSafe+res.ProbFraud, 1e-6)
			assert.InDelta(t, math.Max(res.ProbSafe, res.ProbFraud)*100, res.Confidence, 1e-9)
			assert.Equal(t, res.Label, Probabilities{Safe: res.ProbSafe, Fraud: res.ProbFraud}.Label())
		}
	}
}

func TestPipeline_Deterministic(t *testing.T) {
	p := loadGoldenPipeline(t, nil)

	first, err := p.PredictTransaction(grocerySample())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := p.PredictTransaction(grocerySample())
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestPipeline_ConcurrentCallers(t *testing.T) {
	metrics := &MockMetrics{}
	p := loadGoldenPipeline(t, metrics)
	cases := loadGoldenCases(t)

	want := make([]PredictionResult, len(cases))
	for i, gc := range cases {
		res, err := p.PredictTransaction(gc.Transaction)
		require.NoError(t, err)
		want[i] = res
	}

	const workers = 16
	const calls = 200
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				idx := (w + i) % len(cases)
				res, err := p.PredictTransaction(cases[idx].Transaction)
				if err != nil {
					errs <- err
					return
				}
				if res != want[idx] {
					errs <- errors.New("concurrent prediction differs from sequential result")
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	assert.Equal(t, len(cases)+workers*calls, metrics.totalPredictions())
}

func TestPipeline_HourOutOfRange(t *testing.T) {
	metrics := &MockMetrics{}
	p := loadGoldenPipeline(t, metrics)

	for _, hour := range []int{-1, 24} {
		tx := grocerySample()
		tx.Hour = hour
		res, err := p.PredictTransaction(tx)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "hour %d: got %v", hour, err)
		assert.Equal(t, "hour", verr.Field)
		assert.Equal(t, PredictionResult{}, res)
		assert.True(t, IsInputError(err))
	}
	assert.Equal(t, 2, metrics.failuresOf("validation"))
}

func TestPipeline_UnknownCategory(t *testing.T) {
	metrics := &MockMetrics{}
	p := loadGoldenPipeline(t, metrics)

	tests := []struct {
		field string
		mut   func(*features.Transaction)
		value string
	}{
		{"state", func(tx *features.Transaction) { tx.State = "ZZ" }, "ZZ"},
		{"category", func(tx *features.Transaction) { tx.Category = "crypto_atm" }, "crypto_atm"},
		{"gender", func(tx *features.Transaction) { tx.Gender = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			tx := grocerySample()
			tt.mut(&tx)
			res, err := p.PredictTransaction(tx)

			var uerr *UnknownCategoryError
			require.True(t, errors.As(err, &uerr), "got %v", err)
			assert.Equal(t, tt.field, uerr.Field)
			assert.Equal(t, tt.value, uerr.Value)
			assert.Contains(t, err.Error(), tt.field)
			assert.Equal(t, PredictionResult{}, res)
			assert.Equal(t, "unknown_category", ErrorKind(err))
		})
	}
	assert.Equal(t, 3, metrics.failuresOf("unknown_category"))
	assert.Equal(t, 0, metrics.totalPredictions())

	// a rejected request leaves the pipeline fully usable
	_, err := p.PredictTransaction(grocerySample())
	require.NoError(t, err)
}

func TestPipeline_MetricsRecorded(t *testing.T) {
	metrics := &MockMetrics{}
	p := loadGoldenPipeline(t, metrics)

	res, err := p.PredictTransaction(grocerySample())
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.predictions["SAFE"])
	assert.Equal(t, 1, metrics.latencyCount)
	require.Len(t, metrics.predictionScores, 1)
	assert.Equal(t, res.ProbFraud, metrics.predictionScores[0])
	assert.Greater(t, metrics.modelAge, 0.0)
}

func TestPipeline_RecordServed(t *testing.T) {
	metrics := &MockMetrics{}
	p := loadGoldenPipeline(t, metrics)

	res, err := p.PredictTransaction(grocerySample())
	require.NoError(t, err)
	p.RecordServed(res)

	assert.Equal(t, 2, metrics.predictions["SAFE"])
	assert.Len(t, metrics.predictionScores, 2)
	assert.Equal(t, 1, metrics.latencyCount, "a served result is not a new computation")

	loadGoldenPipeline(t, nil).RecordServed(res)
}

func readGoldenArtifact(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(goldenModelPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func writeArtifactDoc(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestNewPipeline_InconsistentArtifact(t *testing.T) {
	tests := []struct {
		name string
		mut  func(doc map[string]any)
	}{
		{"column without scaling parameters", func(doc map[string]any) {
			delete(doc["scaler"].(map[string]any), "age")
		}},
		{"categorical column without encoding table", func(doc map[string]any) {
			delete(doc["encoders"].(map[string]any), "state")
		}},
		{"scaled field missing from columns", func(doc map[string]any) {
			doc["scaler"].(map[string]any)["city_pop"] = map[string]any{"mean": 88000.0, "std": 301000.0}
		}},
		{"duplicate column", func(doc map[string]any) {
			cols := doc["feature_columns"].([]any)
			cols[2] = "category"
		}},
		{"column not derivable", func(doc map[string]any) {
			cols := doc["feature_columns"].([]any)
			doc["feature_columns"] = append(cols, "merchant")
			doc["classifier"].(map[string]any)["n_features"] = 9
		}},
		{"classifier width mismatch", func(doc map[string]any) {
			doc["classifier"].(map[string]any)["n_features"] = 9
		}},
		{"zero std", func(doc map[string]any) {
			doc["scaler"].(map[string]any)["hour"] = map[string]any{"mean": 12.0, "std": 0.0}
		}},
		{"negative std", func(doc map[string]any) {
			doc["scaler"].(map[string]any)["amt"] = map[string]any{"mean": 70.35, "std": -160.3}
		}},
		{"importance for unknown column", func(doc map[string]any) {
			imp := doc["metadata"].(map[string]any)["feature_importances"].(map[string]any)
			delete(imp, "hour")
			imp["city_pop"] = 0.14
		}},
		{"importance missing a column", func(doc map[string]any) {
			delete(doc["metadata"].(map[string]any)["feature_importances"].(map[string]any), "hour")
		}},
		{"negative importance", func(doc map[string]any) {
			doc["metadata"].(map[string]any)["feature_importances"].(map[string]any)["amt"] = -0.46
		}},
		{"unsorted classes", func(doc map[string]any) {
			doc["encoders"].(map[string]any)["gender"] = []any{"M", "F"}
		}},
		{"duplicate classes", func(doc map[string]any) {
			doc["encoders"].(map[string]any)["gender"] = []any{"F", "F"}
		}},
		{"field both encoded and scaled", func(doc map[string]any) {
			doc["scaler"].(map[string]any)["state"] = map[string]any{"mean": 3.0, "std": 2.0}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := readGoldenArtifact(t)
			tt.mut(doc)
			path := writeArtifactDoc(t, doc)

			p, err := LoadPipeline(path, nil)
			require.Error(t, err)
			assert.Nil(t, p)
			var cerr *ConfigurationError
			assert.True(t, errors.As(err, &cerr), "expected ConfigurationError, got %T: %v", err, err)
		})
	}
}

func TestLoadPipeline_CorruptArtifact(t *testing.T) {
	good, err := os.ReadFile(goldenModelPath)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", good[:len(good)/2]},
		{"empty", []byte{}},
		{"garbage", []byte("\x00\x01not json at all")},
		{"trailing data", append(append([]byte{}, good...), []byte(`{"x":1}`)...)},
		{"trailing brace", append(append([]byte{}, good...), '}')},
		{"trailing bracket", append(append([]byte{}, good...), ']')},
		{"wrong schema version", []byte(`{"schema_version": 99}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.json")
			require.NoError(t, os.WriteFile(path, tt.data, 0o600))

			p, err := LoadPipeline(path, nil)
			require.Error(t, err)
			assert.Nil(t, p)

			var lerr *ModelLoadError
			require.True(t, errors.As(err, &lerr), "expected ModelLoadError, got %T: %v", err, err)
			assert.Equal(t, path, lerr.Path)
			assert.Equal(t, "model_load", ErrorKind(err))
		})
	}
}

func TestLoadArtifact_Digest(t *testing.T) {
	a, err := LoadArtifact(goldenModelPath)
	require.NoError(t, err)
	again, err := LoadArtifact(goldenModelPath)
	require.NoError(t, err)
	assert.Len(t, a.Digest, 64)
	assert.Equal(t, a.Digest, again.Digest)

	// same version, different trees
	doc := readGoldenArtifact(t)
	doc["classifier"].(map[string]any)["trees"] = doc["classifier"].(map[string]any)["trees"].([]any)[:1]
	other, err := LoadArtifact(writeArtifactDoc(t, doc))
	require.NoError(t, err)
	assert.Equal(t, a.Version(), other.Version())
	assert.NotEqual(t, a.Digest, other.Digest)
}

func TestArtifact_RankedImportances(t *testing.T) {
	a := loadGoldenPipeline(t, nil).Artifact()
	ranked := a.RankedImportances()
	require.Len(t, ranked, len(a.FeatureColumns))
	assert.Equal(t, Importance{Feature: "amt", Weight: 0.46}, ranked[0])
	assert.Equal(t, Importance{Feature: "amt_per_hour_ratio", Weight: 0.27}, ranked[1])
	// zero weights tie and sort by name
	assert.Equal(t, "category", ranked[4].Feature)
	assert.Equal(t, "state", ranked[7].Feature)

	doc := readGoldenArtifact(t)
	delete(doc["metadata"].(map[string]any), "feature_importances")
	p, err := LoadPipeline(writeArtifactDoc(t, doc), nil)
	require.NoError(t, err, "importances are optional")
	assert.Nil(t, p.Artifact().RankedImportances())
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	p, err := LoadPipeline(filepath.Join(t.TempDir(), "absent.json"), nil)
	assert.Nil(t, p)
	var lerr *ModelLoadError
	require.True(t, errors.As(err, &lerr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadPipeline_IncompleteArtifact(t *testing.T) {
	for _, key := range []string{"classifier", "encoders", "scaler", "feature_columns"} {
		t.Run(key, func(t *testing.T) {
			doc := readGoldenArtifact(t)
			delete(doc, key)
			p, err := LoadPipeline(writeArtifactDoc(t, doc), nil)
			assert.Nil(t, p)
			var lerr *ModelLoadError
			assert.True(t, errors.As(err, &lerr), "got %T: %v", err, err)
		})
	}
}

func TestSaveArtifact_RoundTrip(t *testing.T) {
	a, err := LoadArtifact(goldenModelPath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, SaveArtifact(path, a))

	p, err := LoadPipeline(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "rf-20250101-golden", p.Artifact().Version())

	orig := loadGoldenPipeline(t, nil)
	for _, gc := range loadGoldenCases(t) {
		want, err := orig.PredictTransaction(gc.Transaction)
		require.NoError(t, err)
		got, err := p.PredictTransaction(gc.Transaction)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
