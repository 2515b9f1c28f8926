package optimizer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sampleWindow is how many recent response times feed the latency stats.
const sampleWindow = 100

// Stats is a point-in-time snapshot of optimizer counters and response
// time statistics over the most recent samples.
type Stats struct {
	Total     int64 `json:"total"`
	Cached    int64 `json:"cached"`
	Coalesced int64 `json:"coalesced"`
	Batched   int64 `json:"batched"`
	Parallel  int64 `json:"parallel"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`

	PeakConcurrency int64 `json:"peak_concurrency"`

	MeanLatency time.Duration `json:"mean_latency"`
	MinLatency  time.Duration `json:"min_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
}

type metrics struct {
	total     atomic.Int64
	cached    atomic.Int64
	coalesced atomic.Int64
	batched   atomic.Int64
	parallel  atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64

	inFlight atomic.Int64
	peak     atomic.Int64

	mu      sync.Mutex
	samples [sampleWindow]time.Duration
	count   int
	next    int
}

// enter tracks one in-flight call and updates the peak watermark.
func (m *metrics) enter() {
	cur := m.inFlight.Add(1)
	for {
		peak := m.peak.Load()
		if cur <= peak || m.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (m *metrics) exit() {
	m.inFlight.Add(-1)
}

// observe records one response time into the rolling window.
func (m *metrics) observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = d
	m.next = (m.next + 1) % sampleWindow
	if m.count < sampleWindow {
		m.count++
	}
}

func (m *metrics) snapshot() Stats {
	s := Stats{
		Total:           m.total.Load(),
		Cached:          m.cached.Load(),
		Coalesced:       m.coalesced.Load(),
		Batched:         m.batched.Load(),
		Parallel:        m.parallel.Load(),
		Failed:          m.failed.Load(),
		Retries:         m.retries.Load(),
		PeakConcurrency: m.peak.Load(),
	}

	m.mu.Lock()
	n := m.count
	window := make([]time.Duration, n)
	copy(window, m.samples[:n])
	m.mu.Unlock()

	if n == 0 {
		return s
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	s.MeanLatency = sum / time.Duration(n)
	s.MinLatency = window[0]
	s.MaxLatency = window[n-1]

	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	s.P95Latency = window[idx]
	return s
}
