package cache

import (
	"context"
	"time"

	"fraudguard/internal/ml"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache with per-entry expiry.
type Memory struct {
	c   *gocache.Cache
	rec Recorder
}

// NewMemory creates a cache whose entries expire after ttl; expired entries are purged
// every 2*ttl.
func NewMemory(ttl time.Duration, rec Recorder) *Memory {
	return &Memory{
		c:   gocache.New(ttl, 2*ttl),
		rec: recorderOrNoop(rec),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (ml.PredictionResult, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		m.rec.Miss()
		return ml.PredictionResult{}, false
	}
	res, ok := v.(ml.PredictionResult)
	if !ok {
		m.rec.Error()
		m.c.Delete(key)
		return ml.PredictionResult{}, false
	}
	m.rec.Hit()
	return res, true
}

func (m *Memory) Set(_ context.Context, key string, res ml.PredictionResult) {
	m.c.SetDefault(key, res)
}

// Len returns the number of entries, including expired ones not yet purged.
func (m *Memory) Len() int {
	return m.c.ItemCount()
}
