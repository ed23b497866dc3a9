package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"fraudguard/internal/features"
)

// PredictionRecord is one scored transaction as kept in the history log.
// Probabilities and confidence are percentages.
type PredictionRecord struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	ModelVersion string    `json:"model_version"`
	features.Transaction
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	ProbSafe   float64 `json:"prob_safe"`
	ProbFraud  float64 `json:"prob_fraud"`
}

var csvHeader = []string{
	"timestamp", "request_id", "model_version",
	"category", "amount", "gender", "state", "age", "hour", "is_weekend",
	"prediction", "confidence", "prob_safe", "prob_fraud",
}

// WriteCSV writes records with a header row in the order given.
func WriteCSV(w io.Writer, records []PredictionRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.RequestID,
			r.ModelVersion,
			r.Category,
			strconv.FormatFloat(r.Amount, 'f', 2, 64),
			r.Gender,
			r.State,
			strconv.Itoa(r.Age),
			strconv.Itoa(r.Hour),
			strconv.FormatBool(r.IsWeekend),
			r.Label,
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			strconv.FormatFloat(r.ProbSafe, 'f', 2, 64),
			strconv.FormatFloat(r.ProbFraud, 'f', 2, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportCSV writes the records with start <= timestamp <= end to w, oldest first.
func (s *Store) ExportCSV(w io.Writer, start, end time.Time) (int, error) {
	records, err := s.Range(start, end)
	if err != nil {
		return 0, err
	}
	return len(records), WriteCSV(w, records)
}
