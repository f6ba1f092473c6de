// Package metrics holds shared instrumentation helpers.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NewActivityGauge returns a gauge vec wrapper which indicates whether a
// handler was recently active (processed a batch) within its ttl.
func NewActivityGauge(g *prometheus.GaugeVec) *ActivityGauge {
	return &ActivityGauge{
		gv:     g,
		states: make(map[string]state),
	}
}

type ActivityGauge struct {
	gv     *prometheus.GaugeVec
	mu     sync.Mutex
	states map[string]state
}

type state struct {
	labels prometheus.Labels
	tick   time.Time
	ttl    time.Duration
}

// Register registers the handler labels with its ttl, ticks it as active and
// returns the handler key.
func (g *ActivityGauge) Register(labels prometheus.Labels, ttl time.Duration) string {
	key := labelsToKey(labels)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.states[key] = state{
		labels: labels,
		ttl:    ttl,
		tick:   time.Now(),
	}
	return key
}

// SetActive ticks the handler key as active.
func (g *ActivityGauge) SetActive(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.states[key]
	s.tick = time.Now()
	g.states[key] = s
}

func (g *ActivityGauge) Describe(ch chan<- *prometheus.Desc) {
	g.gv.Describe(ch)
}

// Collect sets and collects the internal GaugeVec activity values for all
// registered handler labels. A ttl below zero disables the metric.
func (g *ActivityGauge) Collect(ch chan<- prometheus.Metric) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.states {
		if s.ttl < 0 {
			continue
		}
		v := 0.0
		if time.Since(s.tick) < s.ttl {
			v = 1
		}
		g.gv.With(s.labels).Set(v)
	}
	g.gv.Collect(ch)
}

func labelsToKey(labels prometheus.Labels) string {
	s := strings.Builder{}
	for k, v := range labels {
		s.WriteString(k)
		s.Write([]byte{255})
		s.WriteString(v)
		s.Write([]byte{255})
	}
	return s.String()
}
