package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fraudguard/internal/features"
	"fraudguard/internal/ml"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu                 sync.Mutex
	hits, misses, errs int
}

func (r *countingRecorder) Hit()   { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *countingRecorder) Miss()  { r.mu.Lock(); r.misses++; r.mu.Unlock() }
func (r *countingRecorder) Error() { r.mu.Lock(); r.errs++; r.mu.Unlock() }

type countingPredictor struct {
	calls int
	err   error
}

func (p *countingPredictor) PredictTransaction(tx features.Transaction) (ml.PredictionResult, error) {
	p.calls++
	if p.err != nil {
		return ml.PredictionResult{}, p.err
	}
	return ml.PredictionResult{Label: ml.LabelFraud, ProbSafe: 0.25, ProbFraud: 0.75, Confidence: 75}, nil
}

// fakeRedis keeps values in a map; failWith makes every call fail.
type fakeRedis struct {
	mu       sync.Mutex
	data     map[string]string
	ttls     map[string]time.Duration
	failWith error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return redis.NewStringResult("", f.failWith)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return redis.NewStatusResult("", f.failWith)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func sampleTx() features.Transaction {
	return features.Transaction{
		Category: "grocery_pos", Amount: 50, Gender: "M", State: "CA", Age: 35, Hour: 14,
	}
}

func TestKey(t *testing.T) {
	tx := sampleTx()
	assert.Equal(t, "fraudguard:pred:v1:grocery_pos:50:M:CA:35:14:false", Key("v1", tx))
	assert.NotEqual(t, Key("v1", tx), Key("v2", tx))

	other := tx
	other.Amount = 50.01
	assert.NotEqual(t, Key("v1", tx), Key("v1", other))
}

func TestMemory_HitMissAndExpiry(t *testing.T) {
	rec := &countingRecorder{}
	m := NewMemory(50*time.Millisecond, rec)
	ctx := context.Background()
	want := ml.PredictionResult{Label: ml.LabelSafe, ProbSafe: 0.9, ProbFraud: 0.1, Confidence: 90}

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)

	m.Set(ctx, "k", want)
	got, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, m.Len())

	time.Sleep(120 * time.Millisecond)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok, "entry should have expired")

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 2, rec.misses)
}

func TestRedis_RoundTrip(t *testing.T) {
	fake := newFakeRedis()
	rec := &countingRecorder{}
	r := newRedis(fake, time.Minute, time.Second, rec)
	ctx := context.Background()
	want := ml.PredictionResult{Label: ml.LabelFraud, ProbSafe: 0.2, ProbFraud: 0.8, Confidence: 80}

	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)

	r.Set(ctx, "k", want)
	assert.Equal(t, time.Minute, fake.ttls["k"])
	assert.JSONEq(t, `{"label":"FRAUD","prob_safe":0.2,"prob_fraud":0.8,"confidence":80}`, fake.data["k"])

	got, ok := r.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
	assert.Equal(t, 0, rec.errs)
}

func TestRedis_FailuresAreBypassed(t *testing.T) {
	fake := newFakeRedis()
	fake.failWith = errors.New("connection reset by peer")
	rec := &countingRecorder{}
	r := newRedis(fake, time.Minute, time.Second, rec)

	next := &countingPredictor{}
	p := NewPredictor(next, r, "v1")

	res, err := p.PredictTransaction(sampleTx())
	require.NoError(t, err)
	assert.Equal(t, ml.LabelFraud, res.Label)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 2, rec.errs, "failed read and failed write")
}

func TestRedis_UndecodableEntryIsMiss(t *testing.T) {
	fake := newFakeRedis()
	fake.data["k"] = "{not json"
	rec := &countingRecorder{}
	r := newRedis(fake, time.Minute, 0, rec)

	_, ok := r.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 1, rec.errs)
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedis(ctx, RedisOptions{Addr: "127.0.0.1:1", Timeout: 100 * time.Millisecond}, nil)
	assert.Error(t, err)
}

func TestNewRedis_RetriesThenGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := NewRedis(ctx, RedisOptions{Addr: "127.0.0.1:1", Timeout: 100 * time.Millisecond, ConnectRetries: 2}, nil)
	require.Error(t, err)
	// two Fibonacci waits of 100ms each
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestPredictor_ServesRepeatsFromCache(t *testing.T) {
	next := &countingPredictor{}
	p := NewPredictor(next, NewMemory(time.Minute, nil), "v1")

	first, err := p.PredictTransaction(sampleTx())
	require.NoError(t, err)
	second, err := p.PredictTransaction(sampleTx())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)

	other := sampleTx()
	other.Hour = 3
	_, err = p.PredictTransaction(other)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestPredictor_ErrorsAreNotCached(t *testing.T) {
	mem := NewMemory(time.Minute, nil)
	next := &countingPredictor{err: &ml.UnknownCategoryError{Field: "state", Value: "ZZ"}}
	p := NewPredictor(next, mem, "v1")

	for i := 0; i < 2; i++ {
		_, err := p.PredictTransaction(sampleTx())
		var uerr *ml.UnknownCategoryError
		assert.ErrorAs(t, err, &uerr)
	}
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 0, mem.Len())
}

type fixedPredictor struct {
	res    ml.PredictionResult
	calls  int
	served []ml.PredictionResult
}

func (p *fixedPredictor) PredictTransaction(features.Transaction) (ml.PredictionResult, error) {
	p.calls++
	return p.res, nil
}

func (p *fixedPredictor) RecordServed(res ml.PredictionResult) {
	p.served = append(p.served, res)
}

func TestPredictor_SharedBackendKeepsArtifactsApart(t *testing.T) {
	shared := NewMemory(time.Minute, nil)
	safe := &fixedPredictor{res: ml.PredictionResult{Label: ml.LabelSafe, ProbSafe: 0.883, ProbFraud: 0.117, Confidence: 88.3}}
	fraud := &fixedPredictor{res: ml.PredictionResult{Label: ml.LabelFraud, ProbSafe: 0.117, ProbFraud: 0.883, Confidence: 88.3}}

	a := NewPredictor(safe, shared, "digest-a")
	b := NewPredictor(fraud, shared, "digest-b")

	resA, err := a.PredictTransaction(sampleTx())
	require.NoError(t, err)
	resB, err := b.PredictTransaction(sampleTx())
	require.NoError(t, err)

	assert.Equal(t, ml.LabelSafe, resA.Label)
	assert.Equal(t, ml.LabelFraud, resB.Label)
	assert.Equal(t, 1, fraud.calls)
	assert.Equal(t, 2, shared.Len())
}

func TestPredictor_HitsAreCountedAsServed(t *testing.T) {
	next := &fixedPredictor{res: ml.PredictionResult{Label: ml.LabelFraud, ProbSafe: 0.25, ProbFraud: 0.75, Confidence: 75}}
	p := NewPredictor(next, NewMemory(time.Minute, nil), "v1")

	for i := 0; i < 3; i++ {
		_, err := p.PredictTransaction(sampleTx())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, next.calls)
	require.Len(t, next.served, 2, "the computed result is counted by the predictor itself")
	assert.Equal(t, next.res, next.served[0])
}
