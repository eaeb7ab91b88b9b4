package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// Registry is the room's in-memory bookkeeping of peers and the engine
// resources they own. Every protocol operation resolves peers through the
// registry so that a concurrent disconnect is observed as ErrUnknownPeer on
// the next lookup, never as a stale reference.
type Registry interface {
	AddPeer(ctx context.Context, id domain.PeerID, name string) error
	PeerExists(id domain.PeerID) bool
	PeerName(id domain.PeerID) (string, error)

	// RemovePeer tears down everything the peer owns in dependency order
	// (consumers, then producers, then transports) and deletes the record.
	// Returns ErrUnknownPeer if already removed; callers treat that as
	// idempotent-safe.
	RemovePeer(ctx context.Context, id domain.PeerID) error

	// AddTransport registers ownership. At most one transport per direction
	// per peer; the registry rejects a second registration for an occupied
	// direction.
	AddTransport(peerID domain.PeerID, direction domain.TransportDirection, t Transport) error
	Transport(peerID domain.PeerID, id domain.TransportID) (Transport, error)
	TransportForDirection(peerID domain.PeerID, direction domain.TransportDirection) (Transport, bool)
	DetachTransport(peerID domain.PeerID, id domain.TransportID)

	AddProducer(peerID domain.PeerID, p Producer) error
	DetachProducer(peerID domain.PeerID, id domain.ProducerID)

	AddConsumer(peerID domain.PeerID, c Consumer) error
	DetachConsumer(peerID domain.PeerID, id domain.ConsumerID)

	// FindProducer resolves a producer id across all peers.
	FindProducer(id domain.ProducerID) (Producer, error)

	// ConsumersOf lists, per owning peer, the consumers derived from the
	// given producer. Used to cascade a producer close to its dependents.
	ConsumersOf(id domain.ProducerID) map[domain.PeerID][]Consumer

	// ListProducersExcluding answers the "what already exists" query for a
	// joining peer, excluding its own producers.
	ListProducersExcluding(peerID domain.PeerID) []domain.ProducerInfo

	PeerCount() int
}
