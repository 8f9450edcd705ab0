// Package metrics holds the process-wide capture state: outcome counters,
// rolling response-time samples, pool and admission gauges, and a bounded
// ring of recent errors. Updates are O(1); reads copy under a short lock.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	// ResponseRingSize bounds the rolling response-time window.
	ResponseRingSize = 1024
	// ErrorRingSize bounds the recent-error ring.
	ErrorRingSize = 100
)

// ErrorRecord is one slot of the recent-error ring.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Endpoint  string    `json:"endpoint"`
	Details   string    `json:"details"`
}

// PoolGauges mirrors the browser pool's stats() shape.
type PoolGauges struct {
	Size          int   `json:"size"`
	InUse         int   `json:"in_use"`
	Available     int   `json:"available"`
	Errors        int64 `json:"errors"`
	CreatedTotal  int64 `json:"created_total"`
	RecycledTotal int64 `json:"recycled_total"`
}

// AdmissionGauges mirrors the admission controller's internal state.
type AdmissionGauges struct {
	InFlightScreenshots int    `json:"in_flight_screenshots"`
	InFlightContexts    int    `json:"in_flight_contexts"`
	QueueDepth          int    `json:"queue_depth"`
	CircuitState        string `json:"circuit_state"`
}

// ResponseTimeStats summarizes the rolling response-time window.
type ResponseTimeStats struct {
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

// Snapshot is the JSON shape served by GET /metrics and streamed over
// /metrics/ws.
type Snapshot struct {
	UptimeSeconds float64           `json:"uptime_seconds"`
	RequestsTotal int64             `json:"requests_total"`
	Outcomes      map[string]int64  `json:"outcomes"`
	ResponseTime  ResponseTimeStats `json:"response_time"`
	Pool          PoolGauges        `json:"pool"`
	Admission     AdmissionGauges   `json:"admission"`
	RecentErrors  []ErrorRecord     `json:"recent_errors"`
}

// State is the shared mutable store behind Snapshot.
type State struct {
	startedAt time.Time

	mu        sync.Mutex
	outcomes  map[string]int64
	respRing  [ResponseRingSize]float64 // milliseconds
	respIdx   int
	respTotal int64
	errRing   [ErrorRingSize]ErrorRecord
	errIdx    int
	errTotal  int
	pool      PoolGauges
	admission AdmissionGauges
}

// NewState builds an empty State anchored at now.
func NewState() *State {
	return &State{
		startedAt: time.Now(),
		outcomes:  make(map[string]int64),
	}
}

// RecordOutcome counts one finished request by outcome class. Successful
// captures use OutcomeSuccess; failures use their error kind.
func (s *State) RecordOutcome(kind string) {
	s.mu.Lock()
	s.outcomes[kind]++
	s.mu.Unlock()
}

// ObserveResponseTime adds one sample to the rolling window.
func (s *State) ObserveResponseTime(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	s.mu.Lock()
	s.respRing[s.respIdx] = ms
	s.respIdx = (s.respIdx + 1) % ResponseRingSize
	s.respTotal++
	s.mu.Unlock()
}

// RecordError appends to the recent-error ring, overwriting the oldest
// record once the ring is full.
func (s *State) RecordError(kind, endpoint, details string) {
	rec := ErrorRecord{
		Timestamp: time.Now(),
		Kind:      kind,
		Endpoint:  endpoint,
		Details:   details,
	}
	s.mu.Lock()
	s.errRing[s.errIdx] = rec
	s.errIdx = (s.errIdx + 1) % ErrorRingSize
	if s.errTotal < ErrorRingSize {
		s.errTotal++
	}
	s.mu.Unlock()
}

// SetPoolGauges replaces the pool gauge set.
func (s *State) SetPoolGauges(g PoolGauges) {
	s.mu.Lock()
	s.pool = g
	s.mu.Unlock()
}

// SetAdmissionGauges replaces the admission gauge set.
func (s *State) SetAdmissionGauges(g AdmissionGauges) {
	s.mu.Lock()
	s.admission = g
	s.mu.Unlock()
}

// Snapshot copies the state under the lock and derives percentiles outside
// it. RecentErrors is ordered oldest to newest.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	outcomes := make(map[string]int64, len(s.outcomes))
	var requests int64
	for k, v := range s.outcomes {
		outcomes[k] = v
		requests += v
	}

	window := int(s.respTotal)
	if window > ResponseRingSize {
		window = ResponseRingSize
	}
	samples := make([]float64, window)
	for i := 0; i < window; i++ {
		// Walk backwards from the most recent slot.
		idx := (s.respIdx - 1 - i + ResponseRingSize) % ResponseRingSize
		samples[i] = s.respRing[idx]
	}
	respTotal := s.respTotal

	errs := make([]ErrorRecord, 0, s.errTotal)
	for i := 0; i < s.errTotal; i++ {
		idx := (s.errIdx - s.errTotal + i + ErrorRingSize) % ErrorRingSize
		errs = append(errs, s.errRing[idx])
	}

	pool := s.pool
	admission := s.admission
	s.mu.Unlock()

	return Snapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RequestsTotal: requests,
		Outcomes:      outcomes,
		ResponseTime: ResponseTimeStats{
			Count: respTotal,
			AvgMS: mean(samples),
			P95MS: percentile(samples, 0.95),
			P99MS: percentile(samples, 0.99),
		},
		Pool:         pool,
		Admission:    admission,
		RecentErrors: errs,
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// percentile uses the nearest-rank method on a copy of the samples.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := int(p*float64(len(sorted))+0.9999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
