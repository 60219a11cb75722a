package main

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/metrics"
)

// Observer transports.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

type observer struct {
	h         Handle
	transport string
	failures  int
	// version of the last snapshot delivered
	version uint64
}

// Broadcaster fans registry snapshots out to dashboards. Delivery is best
// effort per observer: one failing observer never blocks the others, and an
// observer that keeps failing is dropped.
type Broadcaster struct {
	// mu guards observers and serializes deliveries, so each observer sees
	// snapshots in version order.
	mu        sync.Mutex
	observers map[string]*observer

	source      func() Snapshot
	maxFailures int
	log         zerolog.Logger
}

// NewBroadcaster creates a broadcaster. source supplies the snapshot sent to
// each new subscriber.
func NewBroadcaster(source func() Snapshot, maxFailures int, logger zerolog.Logger) *Broadcaster {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Broadcaster{
		observers:   make(map[string]*observer),
		source:      source,
		maxFailures: maxFailures,
		log:         logger.With().Str("component", "broadcast").Logger(),
	}
}

// SnapshotMessage builds the update-connections frame for s.
func SnapshotMessage(s Snapshot) *ServerMessage {
	return mustMessage(EventUpdateConnections, s)
}

// Subscribe adds h and immediately sends it the current snapshot. If that
// first send fails, h is not kept.
func (b *Broadcaster) Subscribe(h Handle, transport string) error {
	b.mu.Lock()
	snap := b.source()
	if err := h.Send(SnapshotMessage(snap)); err != nil {
		b.mu.Unlock()
		return err
	}
	_, existed := b.observers[h.ID()]
	b.observers[h.ID()] = &observer{h: h, transport: transport, version: snap.Version}
	b.mu.Unlock()

	if !existed {
		metrics.ObserverAdded(transport)
	}
	b.log.Debug().Str("observer", shortID(h.ID())).Str("transport", transport).Msg("observer subscribed")
	return nil
}

// Unsubscribe removes h. Returns whether it was subscribed.
func (b *Broadcaster) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	o, ok := b.observers[h.ID()]
	if ok && o.h == h {
		delete(b.observers, h.ID())
	}
	b.mu.Unlock()

	if ok && o.h == h {
		metrics.ObserverRemoved(o.transport)
		return true
	}
	return false
}

// Publish delivers s to every observer that has not already seen it or a
// newer snapshot. Returns the number of observers that accepted it.
func (b *Broadcaster) Publish(s Snapshot) int {
	msg := SnapshotMessage(s)
	metrics.RecordBroadcast()

	var evicted []*observer
	delivered := 0

	b.mu.Lock()
	for id, o := range b.observers {
		if s.Version <= o.version {
			continue
		}
		err := o.h.Send(msg)
		if err == nil {
			o.failures = 0
			o.version = s.Version
			delivered++
			continue
		}

		o.failures++
		drop := errors.Is(err, ErrHandleClosed) || o.failures >= b.maxFailures
		metrics.RecordBroadcastFailure(drop)
		if drop {
			delete(b.observers, id)
			evicted = append(evicted, o)
		}
	}
	b.mu.Unlock()

	for _, o := range evicted {
		metrics.ObserverRemoved(o.transport)
		b.log.Warn().Str("observer", shortID(o.h.ID())).Int("failures", o.failures).Msg("observer evicted")
		o.h.Close()
	}
	return delivered
}

// Count returns the number of subscribed observers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}
