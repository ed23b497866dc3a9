package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const versionsFileName = "model_versions.json"

// ModelVersion represents a registered model artifact
type ModelVersion struct {
	Version string `json:"version"`
	Path    string `json:"path"`
	Digest  string `json:"digest"`
	// Algorithm is the classifier type, e.g. random_forest; AlgorithmName is the
	// display name recorded by training, if any.
	Algorithm     string       `json:"algorithm"`
	AlgorithmName string       `json:"algorithm_name,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Metrics       ModelMetrics `json:"metrics"`
	IsActive      bool         `json:"is_active"`
}

// ModelMetrics contains the evaluation metrics recorded with an artifact
type ModelMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1Score         float64 `json:"f1_score"`
	ROCAUC          float64 `json:"roc_auc"`
	TrainingSamples int     `json:"training_samples"`
}

// ModelManager handles artifact versioning and rollback
type ModelManager struct {
	mu           sync.RWMutex
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
}

// NewModelManager creates a model manager over modelsDir
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models directory: %w", err)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, versionsFileName),
		versions:     make([]ModelVersion, 0),
	}

	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Msg("Failed to load model versions, starting fresh")
		mm.versions = make([]ModelVersion, 0)
	}

	return mm, nil
}

// Register loads the artifact at path to make sure it is usable, then records it as a
// new inactive version. The version name comes from the artifact metadata when present.
func (mm *ModelManager) Register(path string) (ModelVersion, error) {
	a, err := LoadArtifact(path)
	if err != nil {
		return ModelVersion{}, err
	}
	if _, err := NewPipeline(a, nil); err != nil {
		return ModelVersion{}, err
	}

	now := time.Now()
	version := ModelVersion{
		Version:   a.Version(),
		Path:      path,
		Digest:    a.Digest,
		Algorithm: a.Classifier.Type,
		CreatedAt: now,
	}
	if version.Version == "unknown" {
		version.Version = now.Format("20060102-150405")
	}
	if md := a.Metadata; md != nil {
		version.AlgorithmName = md.Algorithm
		version.Metrics = ModelMetrics{
			Accuracy:        md.Accuracy,
			Precision:       md.Precision,
			Recall:          md.Recall,
			F1Score:         md.F1Score,
			ROCAUC:          md.ROCAUC,
			TrainingSamples: md.TrainingRows,
		}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	for _, v := range mm.versions {
		if v.Version == version.Version {
			return ModelVersion{}, fmt.Errorf("version %s already registered", version.Version)
		}
	}
	mm.versions = append(mm.versions, version)

	// newest first
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})

	return version, mm.saveVersions()
}

// ActivateVersion activates a specific model version
func (mm *ModelManager) ActivateVersion(version string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.activate(version)
}

func (mm *ModelManager) activate(version string) error {
	found := false
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("version %s not found", version)
	}

	for i := range mm.versions {
		mm.versions[i].IsActive = mm.versions[i].Version == version
	}
	return mm.saveVersions()
}

// Rollback activates the version registered before the active one
func (mm *ModelManager) Rollback() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if len(mm.versions) < 2 {
		return fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}
	if currentIdx+1 >= len(mm.versions) {
		return fmt.Errorf("no previous version available")
	}

	return mm.activate(mm.versions[currentIdx+1].Version)
}

// GetCurrentVersion returns the active version, if any
func (mm *ModelManager) GetCurrentVersion() (ModelVersion, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	for _, v := range mm.versions {
		if v.IsActive {
			return v, true
		}
	}
	return ModelVersion{}, false
}

// ListVersions returns all model versions, newest first
func (mm *ModelManager) ListVersions() []ModelVersion {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return append([]ModelVersion(nil), mm.versions...)
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &mm.versions)
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.versionsFile, data, 0o600)
}
