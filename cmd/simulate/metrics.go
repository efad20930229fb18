package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, outcome outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch outcome {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

type LatencyStats struct {
	Avg, Min, Max, P50, P95 time.Duration
}

func (om *OperationMetrics) Stats() LatencyStats {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	return LatencyStats{
		Avg: sum / time.Duration(len(latencies)),
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50: percentile(latencies, 50),
		P95: percentile(latencies, 95),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (om *OperationMetrics) Report(name string) string {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return ""
	}
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	st := om.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", name)
	fmt.Fprintf(&b, "  Total: %d\n", total)
	fmt.Fprintf(&b, "  Success: %d (%.1f%%)\n", success, pct(success, total))
	if conflict > 0 {
		fmt.Fprintf(&b, "  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict, total))
	}
	if failed > 0 {
		fmt.Fprintf(&b, "  Errors: %d (%.1f%%)\n", failed, pct(failed, total))
	}
	fmt.Fprintf(&b, "  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		st.Avg.Round(time.Millisecond), st.Min.Round(time.Millisecond), st.Max.Round(time.Millisecond),
		st.P50.Round(time.Millisecond), st.P95.Round(time.Millisecond))
	return b.String()
}

func pct(n, total int64) float64 {
	return float64(n) / float64(total) * 100
}
