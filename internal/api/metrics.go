package api

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 500, 2000)
	if !ok {
		return
	}
	entries := s.requests.Recent(limit)

	classCounts := map[string]int{
		"2xx":  0,
		"4xx":  0,
		"5xx":  0,
		"none": 0,
	}
	endpointCounts := make(map[string]int)
	failed := 0
	retried := 0
	rateLimited := 0
	transportFailures := 0
	latenciesMS := make([]int64, 0, len(entries))
	for _, entry := range entries {
		classCounts[statusClass(entry.StatusCode)]++
		endpointCounts[entry.Method+" "+endpointFamily(entry.Endpoint)]++
		if entry.Error != "" || entry.StatusCode >= 400 {
			failed++
		}
		if entry.Attempt > 1 {
			retried++
		}
		if entry.StatusCode == http.StatusTooManyRequests {
			rateLimited++
		}
		if entry.StatusCode == 0 && isTransportFailure(entry.Error) {
			transportFailures++
		}
		if ms := entry.Duration.Milliseconds(); ms > 0 {
			latenciesMS = append(latenciesMS, ms)
		}
	}

	errorRate := 0.0
	if len(entries) > 0 {
		errorRate = (float64(failed) / float64(len(entries))) * 100.0
	}

	var b strings.Builder
	fmt.Fprintln(&b, "# HELP pushrelay_requests_window_size Number of recent API attempts used for metrics")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_window_size gauge")
	fmt.Fprintf(&b, "pushrelay_requests_window_size %d\n", len(entries))

	fmt.Fprintln(&b, "# HELP pushrelay_requests_status_class_total API attempts by response status class")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_status_class_total gauge")
	for _, key := range sortedIntMapKeys(classCounts) {
		fmt.Fprintf(&b, "pushrelay_requests_status_class_total{class=%q} %d\n", metricLabelEscape(key), classCounts[key])
	}

	fmt.Fprintln(&b, "# HELP pushrelay_requests_endpoint_total API attempts by method and endpoint family")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_endpoint_total gauge")
	for _, key := range sortedIntMapKeys(endpointCounts) {
		method, family, _ := strings.Cut(key, " ")
		fmt.Fprintf(&b, "pushrelay_requests_endpoint_total{method=%q,endpoint=%q} %d\n", metricLabelEscape(method), metricLabelEscape(family), endpointCounts[key])
	}

	fmt.Fprintln(&b, "# HELP pushrelay_requests_failed_total Failed API attempts in metrics window")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_failed_total gauge")
	fmt.Fprintf(&b, "pushrelay_requests_failed_total %d\n", failed)
	fmt.Fprintln(&b, "# HELP pushrelay_requests_retried_total Second attempts in metrics window")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_retried_total gauge")
	fmt.Fprintf(&b, "pushrelay_requests_retried_total %d\n", retried)
	fmt.Fprintln(&b, "# HELP pushrelay_requests_rate_limited_total 429 responses in metrics window")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_rate_limited_total gauge")
	fmt.Fprintf(&b, "pushrelay_requests_rate_limited_total %d\n", rateLimited)
	fmt.Fprintln(&b, "# HELP pushrelay_requests_transport_failure_total Attempts that never got a response")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_transport_failure_total gauge")
	fmt.Fprintf(&b, "pushrelay_requests_transport_failure_total %d\n", transportFailures)
	fmt.Fprintln(&b, "# HELP pushrelay_requests_error_rate_percent Failed attempts percent")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_error_rate_percent gauge")
	fmt.Fprintf(&b, "pushrelay_requests_error_rate_percent %.2f\n", errorRate)
	fmt.Fprintln(&b, "# HELP pushrelay_requests_p95_latency_ms p95 attempt latency in milliseconds")
	fmt.Fprintln(&b, "# TYPE pushrelay_requests_p95_latency_ms gauge")
	fmt.Fprintf(&b, "pushrelay_requests_p95_latency_ms %d\n", percentile(latenciesMS, 95))

	fmt.Fprintln(&b, "# HELP pushrelay_request_log_dropped_total Request log entries dropped on a full buffer")
	fmt.Fprintln(&b, "# TYPE pushrelay_request_log_dropped_total counter")
	fmt.Fprintf(&b, "pushrelay_request_log_dropped_total %d\n", s.requests.Dropped())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	case code == 0:
		return "none"
	default:
		return "other"
	}
}

// endpointFamily drops numeric path segments so /campaigns/12 and
// /campaigns/13 share a label.
func endpointFamily(endpoint string) string {
	path, _, _ := strings.Cut(strings.TrimSpace(endpoint), "?")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			kept = append(kept, ":id")
			continue
		}
		kept = append(kept, part)
	}
	return "/" + strings.Join(kept, "/")
}

func sortedIntMapKeys(values map[string]int) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func metricLabelEscape(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}

func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		p = 1
	}
	if p > 100 {
		p = 100
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(math.Ceil((float64(p)/100.0)*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func isTransportFailure(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return false
	}
	signals := []string{
		"connection refused",
		"connection reset",
		"dial tcp",
		"no such host",
		"bad gateway",
		"eof",
		"timeout",
		"timed out",
		"tls handshake",
		"broken pipe",
	}
	for _, signal := range signals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
