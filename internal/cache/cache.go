// Package cache memoises prediction results. A loaded artifact is immutable and the
// pipeline is deterministic, so a result is fully determined by the artifact digest and
// the transaction. Cache failures are logged and bypassed; they never fail a prediction.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"fraudguard/internal/features"
	"fraudguard/internal/ml"

	"github.com/rs/zerolog/log"
)

const keyPrefix = "fraudguard:pred:"

// Cache stores prediction results by key.
type Cache interface {
	// Get returns the cached result; a backend failure is reported as a miss.
	Get(ctx context.Context, key string) (ml.PredictionResult, bool)
	// Set stores res; failures are logged and dropped.
	Set(ctx context.Context, key string, res ml.PredictionResult)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Recorder receives cache outcomes.
type Recorder interface {
	Hit()
	Miss()
	Error()
}

type noopRecorder struct{}

func (noopRecorder) Hit()   {}
func (noopRecorder) Miss()  {}
func (noopRecorder) Error() {}

func recorderOrNoop(r Recorder) Recorder {
	if r == nil {
		return noopRecorder{}
	}
	return r
}

// Key identifies the result of scoring tx with the artifact whose digest is given.
func Key(modelDigest string, tx features.Transaction) string {
	return fmt.Sprintf("%s%s:%s:%s:%s:%s:%d:%d:%t",
		keyPrefix, modelDigest, tx.Category,
		strconv.FormatFloat(tx.Amount, 'g', -1, 64),
		tx.Gender, tx.State, tx.Age, tx.Hour, tx.IsWeekend)
}

// servedRecorder is implemented by predictors that count the results they serve,
// so cache hits are counted like computed predictions.
type servedRecorder interface {
	RecordServed(res ml.PredictionResult)
}

// Predictor serves results from a cache in front of a predictor. Errors are never cached.
type Predictor struct {
	next   ml.TransactionPredictor
	cache  Cache
	digest string
}

// NewPredictor wraps next. modelDigest is the digest of the artifact next scores with;
// instances sharing a backend only share results for byte-identical artifacts.
func NewPredictor(next ml.TransactionPredictor, c Cache, modelDigest string) *Predictor {
	return &Predictor{next: next, cache: c, digest: modelDigest}
}

// PredictTransaction returns the cached result for tx or computes and stores it.
func (p *Predictor) PredictTransaction(tx features.Transaction) (ml.PredictionResult, error) {
	return p.PredictTransactionContext(context.Background(), tx)
}

// PredictTransactionContext is PredictTransaction bounded by ctx for cache round trips.
func (p *Predictor) PredictTransactionContext(ctx context.Context, tx features.Transaction) (ml.PredictionResult, error) {
	key := Key(p.digest, tx)
	if res, ok := p.cache.Get(ctx, key); ok {
		log.Debug().Str("backend", p.cache.Name()).Msg("Prediction served from cache")
		if sr, ok := p.next.(servedRecorder); ok {
			sr.RecordServed(res)
		}
		return res, nil
	}

	res, err := p.next.PredictTransaction(tx)
	if err != nil {
		return ml.PredictionResult{}, err
	}
	p.cache.Set(ctx, key, res)
	return res, nil
}

var _ ml.TransactionPredictor = (*Predictor)(nil)
