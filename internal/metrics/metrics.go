// Package metrics exposes pipeline counters in Prometheus text exposition
// format without pulling in the client_golang dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type metric struct {
	name string
	help string
	kind string // counter | gauge
	read func() int64
}

// Registry holds registered metrics and renders them in registration order.
type Registry struct {
	mu      sync.Mutex
	metrics []metric
	start   time.Time
}

func NewRegistry() *Registry {
	return &Registry{start: time.Now()}
}

func (r *Registry) Counter(name, help string) *Counter {
	c := &Counter{}
	r.register(metric{name: name, help: help, kind: "counter", read: c.Value})
	return c
}

func (r *Registry) Gauge(name, help string) *Gauge {
	g := &Gauge{}
	r.register(metric{name: name, help: help, kind: "gauge", read: g.Value})
	return g
}

// GaugeFunc registers a gauge whose value is sampled from fn at render time.
func (r *Registry) GaugeFunc(name, help string, fn func() int64) {
	r.register(metric{name: name, help: help, kind: "gauge", read: fn})
}

func (r *Registry) register(m metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// Render returns the exposition text for all registered metrics plus an
// uptime gauge.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out string
	for _, m := range r.metrics {
		out += fmt.Sprintf("# HELP %s %s\n", m.name, m.help)
		out += fmt.Sprintf("# TYPE %s %s\n", m.name, m.kind)
		out += fmt.Sprintf("%s %d\n", m.name, m.read())
	}
	out += "# HELP matterbot_uptime_seconds Seconds since the process started\n"
	out += "# TYPE matterbot_uptime_seconds gauge\n"
	out += fmt.Sprintf("matterbot_uptime_seconds %d\n", int64(time.Since(r.start).Seconds()))
	return out
}

// Handler serves the exposition text.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	})
}

// Pipeline groups the counters the poller and worker report into.
type Pipeline struct {
	Registry *Registry

	PostsPolled     *Counter
	EventsEnqueued  *Counter
	RepliesPosted   *Counter
	ReplyErrors     *Counter
	InferenceMillis *Counter
}

func NewPipeline() *Pipeline {
	reg := NewRegistry()
	return &Pipeline{
		Registry:        reg,
		PostsPolled:     reg.Counter("matterbot_posts_polled_total", "Posts fetched from channels, before filtering"),
		EventsEnqueued:  reg.Counter("matterbot_events_enqueued_total", "Posts that passed the filters and were queued"),
		RepliesPosted:   reg.Counter("matterbot_replies_posted_total", "Replies successfully posted back to chat"),
		ReplyErrors:     reg.Counter("matterbot_reply_errors_total", "Events dropped because posting the reply failed"),
		InferenceMillis: reg.Counter("matterbot_inference_milliseconds_total", "Cumulative time spent waiting on inference"),
	}
}
