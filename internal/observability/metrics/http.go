package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Latency histogram bucket upper bounds, in seconds.
var latencyBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type routeKey struct {
	handler string
	method  string
}

type histogram struct {
	counts []uint64 // cumulative, one per latency bound
	sum    float64
	total  uint64
}

func (h *histogram) observe(seconds float64) {
	if h.counts == nil {
		h.counts = make([]uint64, len(latencyBounds))
	}
	h.total++
	h.sum += seconds
	for i, bound := range latencyBounds {
		if seconds <= bound {
			for ; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only show up in the +Inf bucket, h.total.
}

type httpMetrics struct {
	mu       sync.Mutex
	requests map[routeKey]map[string]uint64 // route -> status code -> count
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
}

var httpCollector = &httpMetrics{
	requests: make(map[routeKey]map[string]uint64),
	errors:   make(map[routeKey]uint64),
	latency:  make(map[routeKey]*histogram),
}

// ObserveHTTPRequest records the outcome and latency of one HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := httpCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	route := routeKey{handler: handler, method: method}
	codes := c.requests[route]
	if codes == nil {
		codes = make(map[string]uint64)
		c.requests[route] = codes
	}
	codes[strconv.Itoa(status)]++
	if status >= 500 {
		c.errors[route]++
	}

	hist := c.latency[route]
	if hist == nil {
		hist = &histogram{}
		c.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes every collector in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, settlementCollector.render())
	})
}

func (c *httpMetrics) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP quorumlaunch_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE quorumlaunch_http_requests_total counter\n")
	for _, route := range sortedRoutes(c.requests) {
		codes := c.requests[route]
		sorted := make([]string, 0, len(codes))
		for code := range codes {
			sorted = append(sorted, code)
		}
		sort.Strings(sorted)
		for _, code := range sorted {
			fmt.Fprintf(&b, "quorumlaunch_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
				escape(route.handler), escape(route.method), escape(code), codes[code])
		}
	}

	b.WriteString("# HELP quorumlaunch_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE quorumlaunch_http_request_errors_total counter\n")
	for _, route := range sortedRoutes(c.errors) {
		fmt.Fprintf(&b, "quorumlaunch_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(route.handler), escape(route.method), c.errors[route])
	}

	b.WriteString("# HELP quorumlaunch_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE quorumlaunch_http_request_duration_seconds histogram\n")
	for _, route := range sortedRoutes(c.latency) {
		hist := c.latency[route]
		for i, bound := range latencyBounds {
			count := uint64(0)
			if i < len(hist.counts) {
				count = hist.counts[i]
			}
			fmt.Fprintf(&b, "quorumlaunch_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(route.handler), escape(route.method), formatFloat(bound), count)
		}
		fmt.Fprintf(&b, "quorumlaunch_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(route.handler), escape(route.method), hist.total)
		fmt.Fprintf(&b, "quorumlaunch_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(route.handler), escape(route.method), formatFloat(hist.sum))
		fmt.Fprintf(&b, "quorumlaunch_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(route.handler), escape(route.method), hist.total)
	}

	return b.String()
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	routes := make([]routeKey, 0, len(m))
	for route := range m {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].handler == routes[j].handler {
			return routes[i].method < routes[j].method
		}
		return routes[i].handler < routes[j].handler
	})
	return routes
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer runs a standalone HTTP server exposing /metrics and shuts it
// down when ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
