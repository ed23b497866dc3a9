package ml

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// SchemaVersion is the artifact layout this build reads and writes.
const SchemaVersion = 1

// ModelMetadata describes how and when the artifact was produced.
type ModelMetadata struct {
	Version         string         `json:"version"`
	Algorithm       string         `json:"algorithm"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	Accuracy        float64        `json:"accuracy"`
	Precision       float64        `json:"precision"`
	Recall          float64        `json:"recall"`
	F1Score         float64        `json:"f1_score"`
	ROCAUC          float64        `json:"roc_auc"`
	TrainedAt       time.Time      `json:"trained_at"`
	TrainingRows    int            `json:"training_rows"`
	// FeatureImportances is the classifier's weight per feature column, when training
	// exported it.
	FeatureImportances map[string]float64 `json:"feature_importances,omitempty"`
}

// Importance is one feature column's weight in the classifier.
type Importance struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// RankedImportances returns the feature importances heaviest first, or nil when the
// artifact has none.
func (a *Artifact) RankedImportances() []Importance {
	if a.Metadata == nil || len(a.Metadata.FeatureImportances) == 0 {
		return nil
	}
	ranked := make([]Importance, 0, len(a.Metadata.FeatureImportances))
	for f, w := range a.Metadata.FeatureImportances {
		ranked = append(ranked, Importance{Feature: f, Weight: w})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Feature < ranked[j].Feature
	})
	return ranked
}

// Artifact bundles everything fitted at training time. It is immutable once loaded.
type Artifact struct {
	SchemaVersion  int               `json:"schema_version"`
	Classifier     ClassifierSpec    `json:"classifier"`
	Encoders       EncodingTable     `json:"encoders"`
	Scaler         ScalingParameters `json:"scaler"`
	FeatureColumns []string          `json:"feature_columns"`
	Metadata       *ModelMetadata    `json:"metadata,omitempty"`

	// Digest is the hex SHA-256 of the artifact bytes. Unlike the metadata version it
	// always differs between artifacts that can score differently.
	Digest   string    `json:"-"`
	Path     string    `json:"-"`
	LoadedAt time.Time `json:"-"`
	ModTime  time.Time `json:"-"`

	model Classifier
}

// Model returns the classifier decoded from the artifact.
func (a *Artifact) Model() Classifier {
	return a.model
}

// Version returns the metadata version, or "unknown".
func (a *Artifact) Version() string {
	if a.Metadata == nil || a.Metadata.Version == "" {
		return "unknown"
	}
	return a.Metadata.Version
}

// LoadArtifact reads and decodes the artifact at path as one unit. Any failure returns
// a *ModelLoadError and no artifact.
func LoadArtifact(path string) (*Artifact, error) {
	data, modTime, err := readArtifactFile(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}

	a, err := DecodeArtifact(data)
	if err != nil {
		var lerr *ModelLoadError
		if errors.As(err, &lerr) {
			lerr.Path = path
		}
		return nil, err
	}
	a.Path = path
	a.ModTime = modTime

	log.Info().
		Str("model_path", path).
		Str("version", a.Version()).
		Str("digest", a.Digest).
		Str("classifier", a.Classifier.Type).
		Strs("feature_columns", a.FeatureColumns).
		Msg("Model artifact loaded")
	return a, nil
}

func readArtifactFile(path string) ([]byte, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// DecodeArtifact parses an artifact document and builds its classifier.
func DecodeArtifact(data []byte) (*Artifact, error) {
	loadErr := func(err error) error { return &ModelLoadError{Path: "<memory>", Err: err} }

	var a Artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&a); err != nil {
		return nil, loadErr(fmt.Errorf("decode: %w", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, loadErr(fmt.Errorf("trailing data after artifact document"))
	}

	if a.SchemaVersion != SchemaVersion {
		return nil, loadErr(fmt.Errorf("incompatible schema version %d, expected %d", a.SchemaVersion, SchemaVersion))
	}
	switch {
	case a.Classifier.Type == "":
		return nil, loadErr(fmt.Errorf("artifact has no classifier"))
	case len(a.FeatureColumns) == 0:
		return nil, loadErr(fmt.Errorf("artifact has no feature columns"))
	case len(a.Encoders) == 0:
		return nil, loadErr(fmt.Errorf("artifact has no encoding tables"))
	case len(a.Scaler) == 0:
		return nil, loadErr(fmt.Errorf("artifact has no scaling parameters"))
	}

	model, err := BuildClassifier(a.Classifier)
	if err != nil {
		return nil, loadErr(fmt.Errorf("build classifier: %w", err))
	}
	sum := sha256.Sum256(data)
	a.model = model
	a.Digest = hex.EncodeToString(sum[:])
	a.LoadedAt = time.Now()
	return &a, nil
}

// SaveArtifact writes a to path through a temporary file so readers never observe a
// partially written artifact.
func SaveArtifact(path string, a *Artifact) error {
	if a.SchemaVersion == 0 {
		a.SchemaVersion = SchemaVersion
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
