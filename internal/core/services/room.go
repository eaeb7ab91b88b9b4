package services

import (
	"context"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"go.uber.org/zap"
)

// peer is one signaling connection's ownership record. Sub-collections are
// exclusively owned: no transport, producer or consumer entry is ever shared
// across peers.
type peer struct {
	id   domain.PeerID
	name string

	mu          sync.RWMutex
	transports  map[domain.TransportID]ports.Transport
	byDirection map[domain.TransportDirection]domain.TransportID
	producers   map[domain.ProducerID]ports.Producer
	consumers   map[domain.ConsumerID]ports.Consumer
}

func newPeer(id domain.PeerID, name string) *peer {
	return &peer{
		id:          id,
		name:        name,
		transports:  make(map[domain.TransportID]ports.Transport),
		byDirection: make(map[domain.TransportDirection]domain.TransportID),
		producers:   make(map[domain.ProducerID]ports.Producer),
		consumers:   make(map[domain.ConsumerID]ports.Consumer),
	}
}

// Room is the single signaling namespace: all peers share one routing
// capability, created before any peer joins. It implements ports.Registry.
type Room struct {
	router ports.Router

	mu    sync.RWMutex
	peers map[domain.PeerID]*peer

	logger *zap.SugaredLogger
}

func NewRoom(router ports.Router, logger *zap.SugaredLogger) *Room {
	return &Room{
		router: router,
		peers:  make(map[domain.PeerID]*peer),
		logger: logger,
	}
}

// Router returns the room's shared routing capability. Read-only shared
// state, safe for unsynchronized concurrent reads.
func (r *Room) Router() ports.Router {
	return r.router
}

func (r *Room) AddPeer(ctx context.Context, id domain.PeerID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return fmt.Errorf("add peer %s: %w", id, domain.ErrDuplicatePeer)
	}

	r.peers[id] = newPeer(id, name)
	r.logger.Infow("peer added", "peer_id", id, "name", name, "peers", len(r.peers))
	return nil
}

func (r *Room) getPeer(id domain.PeerID) (*peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	if !exists {
		return nil, fmt.Errorf("peer %s: %w", id, domain.ErrUnknownPeer)
	}
	return p, nil
}

func (r *Room) PeerExists(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.peers[id]
	return exists
}

func (r *Room) PeerName(id domain.PeerID) (string, error) {
	p, err := r.getPeer(id)
	if err != nil {
		return "", err
	}
	return p.name, nil
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RemovePeer deletes the peer record, then walks its owned collections in
// dependency order: consumers first, then producers, then transports. The
// record is deleted before any engine call so concurrent handlers fail fast
// with ErrUnknownPeer instead of racing the teardown.
func (r *Room) RemovePeer(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	p, exists := r.peers[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("remove peer %s: %w", id, domain.ErrUnknownPeer)
	}
	delete(r.peers, id)
	r.mu.Unlock()

	p.mu.Lock()
	consumers := make([]ports.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]ports.Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		producers = append(producers, prod)
	}
	transports := make([]ports.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.consumers = make(map[domain.ConsumerID]ports.Consumer)
	p.producers = make(map[domain.ProducerID]ports.Producer)
	p.transports = make(map[domain.TransportID]ports.Transport)
	p.byDirection = make(map[domain.TransportDirection]domain.TransportID)
	p.mu.Unlock()

	// Engine calls happen outside any lock. Close failures are logged and
	// the walk continues: teardown is best effort.
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			r.logger.Warnw("consumer close failed during peer removal", "peer_id", id, "consumer_id", c.ID(), "error", err)
		}
	}
	for _, prod := range producers {
		if err := prod.Close(); err != nil {
			r.logger.Warnw("producer close failed during peer removal", "peer_id", id, "producer_id", prod.ID(), "error", err)
		}
	}
	for _, t := range transports {
		if err := t.Close(); err != nil {
			r.logger.Warnw("transport close failed during peer removal", "peer_id", id, "transport_id", t.ID(), "error", err)
		}
	}

	r.logger.Infow("peer removed", "peer_id", id,
		"consumers_closed", len(consumers),
		"producers_closed", len(producers),
		"transports_closed", len(transports),
	)
	return nil
}

func (r *Room) AddTransport(peerID domain.PeerID, direction domain.TransportDirection, t ports.Transport) error {
	p, err := r.getPeer(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, occupied := p.byDirection[direction]; occupied {
		return fmt.Errorf("peer %s already holds %s transport %s", peerID, direction, existing)
	}
	p.transports[t.ID()] = t
	p.byDirection[direction] = t.ID()
	return nil
}

func (r *Room) Transport(peerID domain.PeerID, id domain.TransportID) (ports.Transport, error) {
	p, err := r.getPeer(peerID)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	t, exists := p.transports[id]
	if !exists {
		return nil, fmt.Errorf("transport %s of peer %s: %w", id, peerID, domain.ErrTransportNotFound)
	}
	return t, nil
}

func (r *Room) TransportForDirection(peerID domain.PeerID, direction domain.TransportDirection) (ports.Transport, bool) {
	p, err := r.getPeer(peerID)
	if err != nil {
		return nil, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	id, exists := p.byDirection[direction]
	if !exists {
		return nil, false
	}
	t, exists := p.transports[id]
	return t, exists
}

// DetachTransport drops the ownership record without closing the engine
// resource. Used when the engine reported a terminal state and the close
// already happened on the engine side.
func (r *Room) DetachTransport(peerID domain.PeerID, id domain.TransportID) {
	p, err := r.getPeer(peerID)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.transports, id)
	for dir, tid := range p.byDirection {
		if tid == id {
			delete(p.byDirection, dir)
		}
	}
}

func (r *Room) AddProducer(peerID domain.PeerID, prod ports.Producer) error {
	p, err := r.getPeer(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[prod.ID()] = prod
	return nil
}

func (r *Room) DetachProducer(peerID domain.PeerID, id domain.ProducerID) {
	p, err := r.getPeer(peerID)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.producers, id)
}

func (r *Room) AddConsumer(peerID domain.PeerID, c ports.Consumer) error {
	p, err := r.getPeer(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.ID()] = c
	return nil
}

func (r *Room) DetachConsumer(peerID domain.PeerID, id domain.ConsumerID) {
	p, err := r.getPeer(peerID)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (r *Room) FindProducer(id domain.ProducerID) (ports.Producer, error) {
	r.mu.RLock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	for _, p := range peers {
		p.mu.RLock()
		prod, exists := p.producers[id]
		p.mu.RUnlock()
		if exists {
			return prod, nil
		}
	}
	return nil, fmt.Errorf("producer %s: %w", id, domain.ErrProducerNotFound)
}

func (r *Room) ConsumersOf(id domain.ProducerID) map[domain.PeerID][]ports.Consumer {
	r.mu.RLock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	out := make(map[domain.PeerID][]ports.Consumer)
	for _, p := range peers {
		p.mu.RLock()
		for _, c := range p.consumers {
			if c.ProducerID() == id {
				out[p.id] = append(out[p.id], c)
			}
		}
		p.mu.RUnlock()
	}
	return out
}

func (r *Room) ListProducersExcluding(peerID domain.PeerID) []domain.ProducerInfo {
	r.mu.RLock()
	peers := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	out := make([]domain.ProducerInfo, 0)
	for _, p := range peers {
		if p.id == peerID {
			continue
		}
		p.mu.RLock()
		for _, prod := range p.producers {
			out = append(out, domain.ProducerInfo{
				ProducerID:     prod.ID(),
				ProducerPeerID: p.id,
				Kind:           prod.Kind(),
			})
		}
		p.mu.RUnlock()
	}
	return out
}
