package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// transportParams is the engine-specific blob a client needs to establish
// the transport on its side: the server's session offer carries the ICE
// credentials, candidates and DTLS fingerprint.
type transportParams struct {
	ID    domain.TransportID        `json:"id"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// Transport wraps one peer connection. Connected exactly once; producing or
// consuming before Connect is rejected by the protocol layer.
type Transport struct {
	id     domain.TransportID
	pc     *webrtc.PeerConnection
	params json.RawMessage

	mu        sync.Mutex
	connected bool
	closed    bool
	stateFns  []func(domain.TransportState)

	// producers awaiting their remote track, keyed by kind. A send
	// transport carries at most one producer per kind.
	pending map[domain.MediaKind]*Producer

	logger *zap.SugaredLogger
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	pc, err := r.engine.api.NewPeerConnection(r.config)
	if err != nil {
		// Construction failures come from the shared API configuration,
		// not from this peer: every later transport would fail the same
		// way, so the engine is declared dead.
		r.engine.fail(fmt.Errorf("new peer connection: %v", err))
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	// Offer both kinds up front so the local description is complete before
	// the client answers; tracks added later reuse these sections.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	t := &Transport{
		id:      domain.TransportID(uuid.NewString()),
		pc:      pc,
		pending: make(map[domain.MediaKind]*Producer),
		logger:  r.logger,
	}

	params, err := json.Marshal(transportParams{ID: t.id, Offer: *pc.LocalDescription()})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("marshal transport params: %w", err)
	}
	t.params = params

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.handleConnectionState(state)
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.handleRemoteTrack(remote, receiver)
	})

	t.logger.Infow("transport created", "transport_id", t.id)
	return t, nil
}

func (t *Transport) ID() domain.TransportID {
	return t.id
}

func (t *Transport) Params() json.RawMessage {
	return t.params
}

// Connect applies the client's security parameters: its session answer,
// which carries the remote DTLS role and fingerprint. The handshake itself
// completes on the media path once the answer is in place.
func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport %s connected twice", t.id)
	}
	t.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(dtlsParameters, &answer); err != nil {
		return fmt.Errorf("%w: decode connect parameters: %v", domain.ErrEngineFailure, err)
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: apply connect parameters: %v", domain.ErrEngineFailure, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.logger.Infow("transport connected", "transport_id", t.id)
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) OnStateChange(fn func(state domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *Transport) handleConnectionState(state webrtc.PeerConnectionState) {
	mapped := domain.TransportStateNew
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		mapped = domain.TransportStateConnecting
	case webrtc.PeerConnectionStateConnected:
		mapped = domain.TransportStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = domain.TransportStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = domain.TransportStateFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = domain.TransportStateClosed
	}

	t.logger.Infow("transport state changed", "transport_id", t.id, "state", mapped)
	t.fireState(mapped)
}

func (t *Transport) fireState(state domain.TransportState) {
	t.mu.Lock()
	fns := make([]func(domain.TransportState), len(t.stateFns))
	copy(fns, t.stateFns)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// handleRemoteTrack binds an arriving remote track to the producer created
// for its kind and starts the forwarding loop.
func (t *Transport) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.KindVideo
	}

	t.mu.Lock()
	producer, exists := t.pending[kind]
	t.mu.Unlock()

	if !exists {
		t.logger.Warnw("remote track without matching producer",
			"transport_id", t.id, "kind", kind, "track_id", remote.ID())
		return
	}

	t.logger.Infow("remote track attached",
		"transport_id", t.id, "producer_id", producer.ID(),
		"kind", kind, "codec", remote.Codec().MimeType)

	producer.attachRemote(t.pc, remote, receiver)
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage, meta domain.ProducerMeta) (ports.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	if existing, busy := t.pending[kind]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s already produces %s via %s", t.id, kind, existing.ID())
	}
	t.mu.Unlock()

	p := newProducer(kind, meta, t.logger)

	t.mu.Lock()
	t.pending[kind] = p
	t.mu.Unlock()

	p.OnClose(func() {
		t.mu.Lock()
		if t.pending[kind] == p {
			delete(t.pending, kind)
		}
		t.mu.Unlock()
	})

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer ports.Producer, rtpCapabilities json.RawMessage, meta domain.ConsumerMeta) (ports.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.mu.Unlock()

	src, ok := producer.(*Producer)
	if !ok {
		return nil, fmt.Errorf("%w: producer from foreign engine", domain.ErrEngineFailure)
	}

	c, err := newConsumer(t, src, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := make([]*Producer, 0, len(t.pending))
	for _, p := range t.pending {
		pending = append(pending, p)
	}
	t.pending = make(map[domain.MediaKind]*Producer)
	t.mu.Unlock()

	// Closing the peer connection cascades in the engine; closing producers
	// first keeps our bookkeeping in step regardless of event ordering.
	for _, p := range pending {
		p.Close()
	}
	err := t.pc.Close()

	t.fireState(domain.TransportStateClosed)
	t.logger.Infow("transport closed", "transport_id", t.id)
	return err
}
