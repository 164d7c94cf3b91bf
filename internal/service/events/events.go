// Package events publishes release lifecycle events to live subscribers.
package events

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event types.
const (
	ReleaseCreated = "release.created"
	ReleaseStopped = "release.stopped"
	ReleaseNoted   = "release.note_added"
	PackageCreated = "package.created"
	PackageStarted = "package.started"
	PackageStopped = "package.stopped"
	PackageResult  = "package.result_added"
)

// Event is one lifecycle change.
type Event struct {
	Type      string    `json:"type"`
	ReleaseID string    `json:"release_id"`
	PackageID string    `json:"package_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcaster queues payloads for subscribers of a topic. It reports false
// when the payload was dropped instead of queued.
type Broadcaster interface {
	Broadcast(topic string, payload []byte) bool
}

var droppedTotal = registerDropped(prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orlo",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Lifecycle events dropped because the broadcast queue was full",
}, []string{"type"}))

func registerDropped(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// Publisher encodes events and broadcasts them on the release topic.
type Publisher struct {
	hub    Broadcaster
	logger *slog.Logger
}

// New returns a Publisher. A nil hub discards events.
func New(hub Broadcaster, logger *slog.Logger) Publisher {
	return Publisher{hub: hub, logger: logger}
}

// Publish broadcasts e without waiting for delivery. Dropped events are
// counted and logged.
func (p Publisher) Publish(e Event) {
	if p.hub == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("encode lifecycle event", "type", e.Type, "error", err)
		return
	}
	if !p.hub.Broadcast(e.ReleaseID, payload) {
		droppedTotal.WithLabelValues(e.Type).Inc()
		p.logger.Warn("lifecycle event dropped", "type", e.Type, "release_id", e.ReleaseID)
	}
}
