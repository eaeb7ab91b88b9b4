package ports

import (
	"context"
	"encoding/json"

	"roomcast/internal/core/domain"
)

// MediaEngine is the boundary to the external SFU engine. The engine owns
// the real transport/producer/consumer resources; the registry only keeps
// ownership records and drives explicit closes.
type MediaEngine interface {
	// CreateRouter creates the shared routing context for a room. Called
	// once at startup, before any peer joins.
	CreateRouter(ctx context.Context) (Router, error)

	// Died is closed (with the cause sent first) when the engine worker
	// terminates unexpectedly. Worker death is process-fatal: the room's
	// routing capability is gone and every peer must renegotiate.
	Died() <-chan error

	Close() error
}

// Router is a room's codec-negotiation context, shared read-only by all
// peers of that room.
type Router interface {
	// RTPCapabilities returns the capability snapshot handed verbatim to
	// clients before any transport work happens.
	RTPCapabilities() json.RawMessage

	CreateTransport(ctx context.Context) (Transport, error)

	Close() error
}

// Transport is an opaque bidirectional media transport handle. It is
// connected exactly once, then used to produce or consume.
type Transport interface {
	ID() domain.TransportID

	// Params are the engine-specific connection parameters the client needs
	// to establish the transport on its side.
	Params() json.RawMessage

	// Connect finalizes the handshake with client-provided security
	// parameters. Producing or consuming before Connect fails.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	Connected() bool

	Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage, meta domain.ProducerMeta) (Producer, error)

	// Consume binds a consumer to the given producer. Consumers start
	// paused and must be resumed before media flows.
	Consume(ctx context.Context, producer Producer, rtpCapabilities json.RawMessage, meta domain.ConsumerMeta) (Consumer, error)

	// OnStateChange registers a callback for connection-state transitions.
	// Terminal states (failed/closed/disconnected) must detach the
	// transport from its owning peer.
	OnStateChange(fn func(state domain.TransportState))

	Close() error
}

// Producer is a published media track riding a send transport.
type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Meta() domain.ProducerMeta

	// OnClose fires once when the producer ends, whether explicitly, by
	// transport closure, or by the underlying track ending.
	OnClose(fn func())

	Close() error
}

// Consumer is one peer's receiving handle onto a remote producer.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Meta() domain.ConsumerMeta

	// RTPParameters are returned to the consuming client so it can attach
	// the track locally.
	RTPParameters() json.RawMessage

	Paused() bool
	Resume(ctx context.Context) error

	OnClose(fn func())

	Close() error
}
