package metrics

import "strconv"

// PipelineWrapper exposes the metrics the prediction pipeline records.
type PipelineWrapper struct {
	m *Metrics
}

func NewPipelineWrapper(m *Metrics) *PipelineWrapper {
	return &PipelineWrapper{m: m}
}

func (w *PipelineWrapper) MLPredictionsInc(label string) {
	w.m.Predictions.WithLabelValues(label).Inc()
}

func (w *PipelineWrapper) MLFailuresInc(kind string) {
	w.m.Failures.WithLabelValues(kind).Inc()
}

func (w *PipelineWrapper) MLLatencyObserve(seconds float64) {
	w.m.Latency.Observe(seconds)
}

func (w *PipelineWrapper) MLModelAgeSet(seconds float64) {
	w.m.ModelAge.Set(seconds)
}

func (w *PipelineWrapper) MLPredictionScoresObserve(probFraud float64) {
	w.m.FraudProbability.Observe(probFraud)
}

// CacheWrapper records result cache outcomes for one backend.
type CacheWrapper struct {
	m       *Metrics
	backend string
}

func NewCacheWrapper(m *Metrics, backend string) *CacheWrapper {
	return &CacheWrapper{m: m, backend: backend}
}

func (w *CacheWrapper) Hit()   { w.m.CacheHits.WithLabelValues(w.backend).Inc() }
func (w *CacheWrapper) Miss()  { w.m.CacheMisses.WithLabelValues(w.backend).Inc() }
func (w *CacheWrapper) Error() { w.m.CacheErrors.WithLabelValues(w.backend).Inc() }

// ServerWrapper records API, history and feed activity.
type ServerWrapper struct {
	m *Metrics
}

func NewServerWrapper(m *Metrics) *ServerWrapper {
	return &ServerWrapper{m: m}
}

func (w *ServerWrapper) RequestServed(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (w *ServerWrapper) HistoryWriteFailed() {
	w.m.HistoryErrors.Inc()
}

func (w *ServerWrapper) SubscribersSet(n int) {
	w.m.FeedSubscribers.Set(float64(n))
}

func (w *ServerWrapper) SubscriberDropped() {
	w.m.FeedDropped.Inc()
}
