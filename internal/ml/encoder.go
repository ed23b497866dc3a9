package ml

import (
	"fmt"
	"sort"

	"fraudguard/internal/features"
)

// FeatureSet holds the numeric value of each named column while it moves through the
// pipeline stages. Stages return a new FeatureSet and never modify their input.
type FeatureSet map[string]float64

func (fs FeatureSet) clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// EncodingTable maps each categorical column to its fitted classes. The code of a value
// is its index in the sorted class list, as assigned at training time.
type EncodingTable map[string][]string

// Encoder replaces categorical values with their fitted integer codes.
// It is read-only after construction.
type Encoder struct {
	classes map[string][]string
	codes   map[string]map[string]int
}

// NewEncoder indexes table. Every field must have at least one class, classes must be
// unique and sorted (label-encoder order), otherwise codes would not match training.
func NewEncoder(table EncodingTable) (*Encoder, error) {
	if len(table) == 0 {
		return nil, configErrorf("encoding table is empty")
	}

	e := &Encoder{
		classes: make(map[string][]string, len(table)),
		codes:   make(map[string]map[string]int, len(table)),
	}
	for field, classes := range table {
		if len(classes) == 0 {
			return nil, configErrorf("encoding table for %q has no classes", field)
		}
		idx := make(map[string]int, len(classes))
		for i, c := range classes {
			if _, dup := idx[c]; dup {
				return nil, configErrorf("encoding table for %q has duplicate class %q", field, c)
			}
			if i > 0 && classes[i-1] > c {
				return nil, configErrorf("encoding table for %q is not sorted at %q", field, c)
			}
			idx[c] = i
		}
		e.classes[field] = append([]string(nil), classes...)
		e.codes[field] = idx
	}
	return e, nil
}

// Fields returns the encoded column names in sorted order.
func (e *Encoder) Fields() []string {
	out := make([]string, 0, len(e.codes))
	for f := range e.codes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Classes returns a copy of the fitted classes of field.
func (e *Encoder) Classes(field string) []string {
	return append([]string(nil), e.classes[field]...)
}

// Code looks up the code of value in field's table.
func (e *Encoder) Code(field, value string) (int, error) {
	idx, ok := e.codes[field]
	if !ok {
		return 0, configErrorf("no encoding table for categorical field %q", field)
	}
	code, ok := idx[value]
	if !ok {
		return 0, &UnknownCategoryError{Field: field, Value: value}
	}
	return code, nil
}

// Decode reverses Code.
func (e *Encoder) Decode(field string, code int) (string, error) {
	classes, ok := e.classes[field]
	if !ok {
		return "", configErrorf("no encoding table for categorical field %q", field)
	}
	if code < 0 || code >= len(classes) {
		return "", fmt.Errorf("code %d out of range for %s (%d classes)", code, field, len(classes))
	}
	return classes[code], nil
}

// Encode returns the feature set of f with every encoded categorical column replaced by its
// code and the numerical columns copied unchanged. Unseen values are rejected.
func (e *Encoder) Encode(f features.EngineeredFeatures) (FeatureSet, error) {
	num := f.Numerical()
	out := make(FeatureSet, len(num)+len(e.codes))
	for k, v := range num {
		out[k] = v
	}

	cat := f.Categorical()
	for _, field := range e.Fields() {
		value, ok := cat[field]
		if !ok {
			return nil, configErrorf("encoding table references unknown field %q", field)
		}
		code, err := e.Code(field, value)
		if err != nil {
			return nil, err
		}
		out[field] = float64(code)
	}
	return out, nil
}

// FitEncodingTable collects the sorted distinct values of each categorical column.
// Fixture and tooling helper; serving code never refits.
func FitEncodingTable(rows []features.Transaction) EncodingTable {
	seen := make(map[string]map[string]struct{}, len(features.CategoricalColumns))
	for _, col := range features.CategoricalColumns {
		seen[col] = make(map[string]struct{})
	}
	for _, tx := range rows {
		for col, v := range (features.EngineeredFeatures{Transaction: tx}).Categorical() {
			seen[col][v] = struct{}{}
		}
	}

	table := make(EncodingTable, len(seen))
	for col, values := range seen {
		if len(values) == 0 {
			continue
		}
		classes := make([]string, 0, len(values))
		for v := range values {
			classes = append(classes, v)
		}
		sort.Strings(classes)
		table[col] = classes
	}
	return table
}
