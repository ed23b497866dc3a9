// Package dataset reads the raw labelled card transaction export used to train and
// evaluate fraud models.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fraudguard/internal/features"

	"github.com/rs/zerolog/log"
)

// Raw column names.
const (
	ColTimestamp = "trans_date_trans_time"
	ColCategory  = "category"
	ColAmount    = "amt"
	ColGender    = "gender"
	ColState     = "state"
	ColDOB       = "dob"
	ColIsFraud   = "is_fraud"
)

var requiredColumns = []string{ColTimestamp, ColCategory, ColAmount, ColGender, ColState, ColDOB, ColIsFraud}

const (
	timestampLayout = "2006-01-02 15:04:05"
	dobLayout       = "2006-01-02"
)

// Record is one labelled transaction.
type Record struct {
	Row         int
	Time        time.Time
	Transaction features.Transaction
	IsFraud     bool
}

// RowError reports a malformed data row. Row counts data rows from 1; the header is row 0.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Options controls how rows are turned into transactions.
type Options struct {
	// ReferenceYear is the year ages are computed against; zero means the current year.
	ReferenceYear int
	// Strict fails on the first malformed row instead of skipping it.
	Strict bool
	// Limit stops after this many good records; zero reads everything.
	Limit int
}

// Dataset is the result of reading a file.
type Dataset struct {
	Records []Record
	Skipped []RowError
}

// Frauds counts the records labelled as fraud.
func (d *Dataset) Frauds() int {
	n := 0
	for _, r := range d.Records {
		if r.IsFraud {
			n++
		}
	}
	return n
}

// Transactions returns the transactions without labels.
func (d *Dataset) Transactions() []features.Transaction {
	out := make([]features.Transaction, len(d.Records))
	for i, r := range d.Records {
		out[i] = r.Transaction
	}
	return out
}

// Load reads the CSV file at path.
func Load(path string, opts Options) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	ds, err := Read(file, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Int("records", len(ds.Records)).
		Int("frauds", ds.Frauds()).
		Int("skipped", len(ds.Skipped)).
		Msg("Dataset loaded")
	return ds, nil
}

// Read parses a raw transaction CSV. Columns are located by header name and extra
// columns are ignored.
func Read(r io.Reader, opts Options) (*Dataset, error) {
	if opts.ReferenceYear == 0 {
		opts.ReferenceYear = time.Now().Year()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	indices := make(map[string]int, len(header))
	for i, col := range header {
		indices[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := indices[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	ds := &Dataset{}
	for row := 1; ; row++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		var rec Record
		if err == nil {
			rec, err = parseRow(fields, indices, opts.ReferenceYear)
		}
		if err != nil {
			rowErr := &RowError{Row: row, Err: err}
			if opts.Strict {
				return nil, rowErr
			}
			log.Debug().Err(err).Int("row", row).Msg("Skipping malformed row")
			ds.Skipped = append(ds.Skipped, *rowErr)
			continue
		}

		rec.Row = row
		ds.Records = append(ds.Records, rec)
		if opts.Limit > 0 && len(ds.Records) >= opts.Limit {
			break
		}
	}

	return ds, nil
}

func parseRow(fields []string, indices map[string]int, referenceYear int) (Record, error) {
	get := func(col string) (string, error) {
		i := indices[col]
		if i >= len(fields) {
			return "", fmt.Errorf("missing %s", col)
		}
		return strings.TrimSpace(fields[i]), nil
	}

	var (
		values = make(map[string]string, len(requiredColumns))
		err    error
	)
	for _, col := range requiredColumns {
		if values[col], err = get(col); err != nil {
			return Record{}, err
		}
	}

	ts, err := time.Parse(timestampLayout, values[ColTimestamp])
	if err != nil {
		return Record{}, fmt.Errorf("invalid %s %q", ColTimestamp, values[ColTimestamp])
	}
	amount, err := strconv.ParseFloat(values[ColAmount], 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid %s %q", ColAmount, values[ColAmount])
	}
	dob, err := time.Parse(dobLayout, values[ColDOB])
	if err != nil {
		return Record{}, fmt.Errorf("invalid %s %q", ColDOB, values[ColDOB])
	}

	var isFraud bool
	switch values[ColIsFraud] {
	case "0":
	case "1":
		isFraud = true
	default:
		return Record{}, fmt.Errorf("invalid %s %q", ColIsFraud, values[ColIsFraud])
	}

	tx := features.Transaction{
		Category:  values[ColCategory],
		Amount:    amount,
		Gender:    values[ColGender],
		State:     values[ColState],
		Age:       referenceYear - dob.Year(),
		Hour:      ts.Hour(),
		IsWeekend: ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday,
	}
	if err := tx.Validate(); err != nil {
		return Record{}, err
	}

	return Record{Time: ts, Transaction: tx, IsFraud: isFraud}, nil
}
