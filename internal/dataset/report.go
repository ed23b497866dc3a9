package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fraudguard/internal/ml"

	"github.com/rs/zerolog/log"
)

// Report is the outcome of evaluating a model on a labelled dataset.
type Report struct {
	ModelVersion string              `json:"model_version"`
	DataPath     string              `json:"data_path"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Evaluation   ml.EvaluationReport `json:"evaluation"`
	Recorded     *ml.ModelMetadata   `json:"recorded,omitempty"`
	Rejected     int                 `json:"rejected"`
	Skipped      int                 `json:"skipped"`
	Scored       []Scored            `json:"-"`
}

// Reporter writes evaluation reports into a directory
type Reporter struct {
	report     *Report
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(report *Report, outputPath string) *Reporter {
	return &Reporter{report: report, outputPath: outputPath}
}

// GenerateReport writes the summary, the per-row predictions and the JSON report.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generatePredictionLog(); err != nil {
		return err
	}
	return r.generateJSONReport()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, "evaluation_summary.txt")
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	rep := r.report
	ev := rep.Evaluation
	fmt.Fprintf(file, "MODEL EVALUATION SUMMARY\n")
	fmt.Fprintf(file, "========================\n\n")
	fmt.Fprintf(file, "Model Version: %s\n", rep.ModelVersion)
	fmt.Fprintf(file, "Dataset: %s\n", rep.DataPath)
	fmt.Fprintf(file, "Generated: %s\n\n", rep.GeneratedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(file, "SAMPLES\n")
	fmt.Fprintf(file, "-------\n")
	fmt.Fprintf(file, "Scored: %d\n", ev.Samples)
	fmt.Fprintf(file, "Rejected by pipeline: %d\n", rep.Rejected)
	fmt.Fprintf(file, "Malformed rows skipped: %d\n\n", rep.Skipped)

	fmt.Fprintf(file, "METRICS\n")
	fmt.Fprintf(file, "-------\n")
	writeMetric(file, "Accuracy", ev.Accuracy, rep.Recorded, func(md *ml.ModelMetadata) float64 { return md.Accuracy })
	writeMetric(file, "Precision", ev.Precision, rep.Recorded, func(md *ml.ModelMetadata) float64 { return md.Precision })
	writeMetric(file, "Recall", ev.Recall, rep.Recorded, func(md *ml.ModelMetadata) float64 { return md.Recall })
	writeMetric(file, "F1 Score", ev.F1Score, rep.Recorded, func(md *ml.ModelMetadata) float64 { return md.F1Score })
	if ev.ROCAUCDefined {
		writeMetric(file, "ROC-AUC", ev.ROCAUC, rep.Recorded, func(md *ml.ModelMetadata) float64 { return md.ROCAUC })
	} else {
		fmt.Fprintf(file, "ROC-AUC: undefined (one class only)\n")
	}

	cm := ev.Confusion
	fmt.Fprintf(file, "\nCONFUSION MATRIX (rows actual, cols predicted)\n")
	fmt.Fprintf(file, "----------------\n")
	fmt.Fprintf(file, "           SAFE  FRAUD\n")
	fmt.Fprintf(file, "  SAFE  %6d %6d\n", cm.TrueNegative, cm.FalsePositive)
	fmt.Fprintf(file, "  FRAUD %6d %6d\n", cm.FalseNegative, cm.TruePositive)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func writeMetric(file *os.File, name string, got float64, recorded *ml.ModelMetadata, pick func(*ml.ModelMetadata) float64) {
	if recorded == nil {
		fmt.Fprintf(file, "%s: %.4f\n", name, got)
		return
	}
	want := pick(recorded)
	fmt.Fprintf(file, "%s: %.4f (recorded %.4f, %+.4f)\n", name, got, want, got-want)
}

// generatePredictionLog writes one CSV row per input record.
func (r *Reporter) generatePredictionLog() error {
	csvPath := filepath.Join(r.outputPath, "scored_transactions.csv")
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create prediction log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"row", "trans_date_trans_time", "category", "amt", "gender", "state", "age", "hour",
		"is_weekend", "is_fraud", "prediction", "prob_fraud", "confidence", "error",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range r.report.Scored {
		tx := s.Record.Transaction
		isFraud := "0"
		if s.Record.IsFraud {
			isFraud = "1"
		}
		record := []string{
			strconv.Itoa(s.Record.Row),
			s.Record.Time.Format(timestampLayout),
			tx.Category,
			fmt.Sprintf("%.2f", tx.Amount),
			tx.Gender,
			tx.State,
			strconv.Itoa(tx.Age),
			strconv.Itoa(tx.Hour),
			strconv.FormatBool(tx.IsWeekend),
			isFraud,
		}
		if s.Err != nil {
			record = append(record, "", "", "", s.Err.Error())
		} else {
			record = append(record,
				s.Result.Label.String(),
				fmt.Sprintf("%.6f", s.Result.ProbFraud),
				fmt.Sprintf("%.2f", s.Result.Confidence),
				"",
			)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	log.Info().Str("file", csvPath).Int("rows", len(r.report.Scored)).Msg("Prediction log generated")
	return nil
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, "evaluation_report.json")
	data, err := json.MarshalIndent(r.report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}
	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}
