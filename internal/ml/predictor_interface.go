// Package ml scores card transactions for fraud with a model artifact fitted offline.
// It holds the fixed inference pipeline (feature derivation, categorical encoding,
// numerical scaling, classification), the artifact format and its loader, the
// classifier implementations that can be decoded from an artifact, model version
// bookkeeping and evaluation metrics.
//
// The pipeline is stateless: a loaded artifact is immutable, and callers that need a
// history of predictions keep it themselves.
package ml

import "fraudguard/internal/features"

// TransactionPredictor is what request handlers and tools depend on.
// *Pipeline implements it.
type TransactionPredictor interface {
	// PredictTransaction scores a single transaction.
	PredictTransaction(tx features.Transaction) (PredictionResult, error)
}

var _ TransactionPredictor = (*Pipeline)(nil)
