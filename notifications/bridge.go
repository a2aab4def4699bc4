// Package notifications implements the notification bridge SPEC_FULL §4.10
// describes: converting core pkgvault.Events into a common envelope and
// fanning them out, asynchronously and with per-sink failure isolation, to
// zero or more configured webhook endpoints.
//
// Grounded on notifications/bridge.go's Listener-to-events.Sink translation
// shape and notifications/sinks.go's per-sink queue/ignore wrapping, built
// on the teacher's own github.com/docker/go-events dependency: this engine
// uses that library's own Queue, Broadcaster, RetryingSink, and Breaker
// types directly rather than reimplementing sinks.go's hand-rolled
// eventQueue, since the teacher's custom queue exists only to support
// docker/go-metrics instrumentation hooks this engine does not carry.
package notifications

import (
	"time"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/configuration"
)

const (
	defaultThreshold = 5
	defaultBackoff   = 10 * time.Second
)

// Bridge implements pkgvault.EventSink, delivering every emitted Event to
// each enabled endpoint in cfg. Each endpoint gets its own queue goroutine
// (matching notifications/sinks.go's one-goroutine-per-sink shape) wrapped
// in a circuit breaker, so a slow or failing endpoint never blocks Emit or
// affects delivery to the others — the same isolation discipline uplink.breaker
// applies to inbound fetches, mirrored here on the outbound side.
type Bridge struct {
	broadcaster *events.Broadcaster
}

// NewBridge constructs a Bridge from cfg. Disabled endpoints are skipped
// entirely; an empty or all-disabled configuration yields a Bridge whose
// Emit calls are inert.
func NewBridge(cfg configuration.Notifications) *Bridge {
	sinks := make([]events.Sink, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.Disabled {
			continue
		}
		sinks = append(sinks, buildEndpointSink(ep))
	}
	return &Bridge{broadcaster: events.NewBroadcaster(sinks...)}
}

func buildEndpointSink(ep configuration.Endpoint) events.Sink {
	threshold := ep.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	backoff := ep.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	base := newHTTPSink(ep)
	retrying := events.NewRetryingSink(base, events.NewBreaker(threshold, backoff))
	queued := events.NewQueue(retrying)
	return newIgnoredSink(queued, ep.Ignore.Actions)
}

// Emit converts e to its wire Envelope and hands it to the broadcaster.
// Broadcaster.Write only enqueues onto each sink's Queue, which returns
// immediately; the retrying HTTP delivery itself happens on each sink's own
// goroutine, so Emit never blocks the mutation that produced e.
func (b *Bridge) Emit(e pkgvault.Event) {
	if err := b.broadcaster.Write(toEnvelope(e)); err != nil {
		logrus.Warnf("notifications: broadcasting event for %s: %v", e.Package, err)
	}
}

// Close shuts down every configured sink, flushing any events still queued.
func (b *Bridge) Close() error {
	return b.broadcaster.Close()
}

var _ pkgvault.EventSink = (*Bridge)(nil)
