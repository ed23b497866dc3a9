// Package features derives the engineered model inputs from a raw card transaction.
//
// Field names used by the views match the column names of the training dataset, so the
// fitted encoding tables and scaling parameters can be looked up directly.
package features

import (
	"fmt"
	"math"
)

// Column names as they appear in the training dataset and the model artifact.
const (
	ColCategory        = "category"
	ColAmount          = "amt"
	ColGender          = "gender"
	ColState           = "state"
	ColAge             = "age"
	ColHour            = "hour"
	ColIsWeekend       = "is_weekend"
	ColAmountPerHourRt = "amt_per_hour_ratio"
)

const (
	MinHour = 0
	MaxHour = 23
	MinAge  = 0
	MaxAge  = 150
)

// CategoricalColumns lists the string-valued columns in dataset order.
var CategoricalColumns = []string{ColCategory, ColGender, ColState}

// NumericalColumns lists the numeric columns in dataset order.
var NumericalColumns = []string{ColAmount, ColAge, ColHour, ColIsWeekend, ColAmountPerHourRt}

// Transaction is a single card transaction as presented for scoring.
type Transaction struct {
	Category  string  `json:"category"`
	Amount    float64 `json:"amount"`
	Gender    string  `json:"gender"`
	State     string  `json:"state"`
	Age       int     `json:"age"`
	Hour      int     `json:"hour"`
	IsWeekend bool    `json:"is_weekend"`
}

// EngineeredFeatures is a Transaction plus the derived amount-per-hour ratio.
type EngineeredFeatures struct {
	Transaction
	AmountPerHourRatio float64 `json:"amount_per_hour_ratio"`
}

// ValidationError reports a malformed or out-of-range transaction field.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// TransactionInput is the wire form of a Transaction. Every field is required; an
// absent or null field is reported rather than read as its zero value.
type TransactionInput struct {
	Category  *string  `json:"category"`
	Amount    *float64 `json:"amount"`
	Gender    *string  `json:"gender"`
	State     *string  `json:"state"`
	Age       *int     `json:"age"`
	Hour      *int     `json:"hour"`
	IsWeekend *bool    `json:"is_weekend"`
}

func missing(col string) error {
	return &ValidationError{Field: col, Reason: "required"}
}

// Transaction returns the transaction, or a *ValidationError naming the first
// missing field in dataset column order.
func (in TransactionInput) Transaction() (Transaction, error) {
	switch {
	case in.Category == nil:
		return Transaction{}, missing(ColCategory)
	case in.Amount == nil:
		return Transaction{}, missing(ColAmount)
	case in.Gender == nil:
		return Transaction{}, missing(ColGender)
	case in.State == nil:
		return Transaction{}, missing(ColState)
	case in.Age == nil:
		return Transaction{}, missing(ColAge)
	case in.Hour == nil:
		return Transaction{}, missing(ColHour)
	case in.IsWeekend == nil:
		return Transaction{}, missing(ColIsWeekend)
	}
	return Transaction{
		Category:  *in.Category,
		Amount:    *in.Amount,
		Gender:    *in.Gender,
		State:     *in.State,
		Age:       *in.Age,
		Hour:      *in.Hour,
		IsWeekend: *in.IsWeekend,
	}, nil
}

// Validate checks every field the pipeline relies on. Values are never clamped.
func (tx Transaction) Validate() error {
	if tx.Hour < MinHour || tx.Hour > MaxHour {
		return &ValidationError{Field: ColHour, Value: tx.Hour, Reason: "must be between 0 and 23"}
	}
	if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
		return &ValidationError{Field: ColAmount, Value: tx.Amount, Reason: "must be finite"}
	}
	if tx.Amount <= 0 {
		return &ValidationError{Field: ColAmount, Value: tx.Amount, Reason: "must be positive"}
	}
	if tx.Age < MinAge || tx.Age > MaxAge {
		return &ValidationError{Field: ColAge, Value: tx.Age, Reason: "must be between 0 and 150"}
	}
	return nil
}

// Derive appends amount_per_hour_ratio to a validated transaction.
// hour is in [0,23] after validation, so the denominator is in [1,24].
func Derive(tx Transaction) (EngineeredFeatures, error) {
	if err := tx.Validate(); err != nil {
		return EngineeredFeatures{}, err
	}
	return EngineeredFeatures{
		Transaction:        tx,
		AmountPerHourRatio: tx.Amount / float64(tx.Hour+1),
	}, nil
}

// Categorical returns the string-valued fields keyed by column name.
func (f EngineeredFeatures) Categorical() map[string]string {
	return map[string]string{
		ColCategory: f.Category,
		ColGender:   f.Gender,
		ColState:    f.State,
	}
}

// Numerical returns the numeric fields keyed by column name. is_weekend is 0 or 1.
func (f EngineeredFeatures) Numerical() map[string]float64 {
	weekend := 0.0
	if f.IsWeekend {
		weekend = 1
	}
	return map[string]float64{
		ColAmount:          f.Amount,
		ColAge:             float64(f.Age),
		ColHour:            float64(f.Hour),
		ColIsWeekend:       weekend,
		ColAmountPerHourRt: f.AmountPerHourRatio,
	}
}

// IsCategorical reports whether col is one of the string-valued columns.
func IsCategorical(col string) bool {
	for _, c := range CategoricalColumns {
		if c == col {
			return true
		}
	}
	return false
}

// IsNumerical reports whether col is one of the numeric columns.
func IsNumerical(col string) bool {
	for _, c := range NumericalColumns {
		if c == col {
			return true
		}
	}
	return false
}
