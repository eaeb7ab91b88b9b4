package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/pkg/utils"
	"roomcast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Request is an inbound client message. The id correlates the eventual
// response with the request that caused it.
type Request struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// envelope is an outbound frame. Responses echo the request id; events
// carry none.
type envelope struct {
	ID      int64       `json:"id,omitempty"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type createTransportPayload struct {
	Direction domain.TransportDirection `json:"direction"`
}

type connectTransportPayload struct {
	TransportID    domain.TransportID `json:"transportId"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
}

type producePayload struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters json.RawMessage    `json:"rtpParameters"`
}

type consumePayload struct {
	TransportID     domain.TransportID `json:"transportId"`
	ProducerID      domain.ProducerID  `json:"producerId"`
	RTPCapabilities json.RawMessage    `json:"rtpCapabilities"`
}

type closeProducerPayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type consumeResult struct {
	ID             domain.ConsumerID `json:"id"`
	ProducerID     domain.ProducerID `json:"producerId"`
	ProducerPeerID domain.PeerID     `json:"producerPeerId"`
	Kind           domain.MediaKind  `json:"kind"`
	RTPParameters  json.RawMessage   `json:"rtpParameters"`
}

// connection pairs a websocket with a write lock so concurrent request
// handlers and broadcasts can share it safely.
type connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) writeJSON(v interface{}, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *connection) writeControl(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(timeout))
}

// WebSocketServer drives the signaling protocol for one room.
type WebSocketServer struct {
	registry ports.Registry
	router   ports.Router
	metrics  *monitoring.Collector

	connections map[domain.PeerID]*connection
	mu          sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	msgRate  rate.Limit
	msgBurst int

	logger *zap.SugaredLogger
}

func NewWebSocketServer(registry ports.Registry, router ports.Router, metrics *monitoring.Collector, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		registry:     registry,
		router:       router,
		metrics:      metrics,
		connections:  make(map[domain.PeerID]*connection),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		msgRate:      rate.Limit(100),
		msgBurst:     200,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetReadTimeout sets the read deadline window for WebSocket connections
func (s *WebSocketServer) SetReadTimeout(timeout time.Duration) {
	s.readTimeout = timeout
}

// SetMessageRate bounds how fast a single connection may issue requests.
func (s *WebSocketServer) SetMessageRate(perSecond float64, burst int) {
	s.msgRate = rate.Limit(perSecond)
	s.msgBurst = burst
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// The connection identity is the peer id. Clients may bring their own
	// (reconnect flows); otherwise the server assigns one.
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		peerID = domain.PeerID(utils.GeneratePeerID())
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		s.logger.Warnw("rejecting connection with bad peer id", "peer_id", peerID, "error", err)
		return
	}
	// Display names are free text: sanitized and bounded, never rejected.
	name := utils.TruncateString(utils.SanitizeString(r.URL.Query().Get("name")), 100)
	if utils.IsEmpty(name) {
		name = string(peerID)
	}

	conn := &connection{ws: ws}

	if err := s.registry.AddPeer(r.Context(), peerID, name); err != nil {
		s.logger.Warnw("peer registration failed", "peer_id", peerID, "error", err)
		_ = conn.writeJSON(envelope{Type: "error", Payload: errPayload(err)}, s.writeTimeout)
		return
	}

	s.mu.Lock()
	s.connections[peerID] = conn
	s.mu.Unlock()

	s.metrics.RecordPeerConnected()
	s.logger.Infow("peer connected", "peer_id", peerID, "name", name)

	ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)

	messageChan := make(chan Request, 10)
	errorChan := make(chan error, 1)

	// done releases the reader if the select loop exits first (ping
	// failure with a full messageChan would otherwise strand it on the
	// channel send).
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var req Request
			if err := ws.ReadJSON(&req); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messageChan <- req:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case req := <-messageChan:
			if !limiter.Allow() {
				s.respond(conn, req.ID, req.Type, map[string]string{"error": "rate limit exceeded"})
				continue
			}
			// Requests run concurrently. Handlers re-check registry state
			// after every engine call instead of assuming the peer is
			// still there.
			go s.dispatch(peerID, conn, req)

		case <-pingTicker.C:
			if err := conn.writeControl(websocket.PingMessage, nil, s.writeTimeout); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peerID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.disconnect(peerID)
}

// disconnect runs the departure cascade: the registry record goes first so
// concurrent handlers fail fast, then owned resources are torn down, then
// the departure is announced. Removal errors are logged, never surfaced;
// the broadcast always goes out.
func (s *WebSocketServer) disconnect(peerID domain.PeerID) {
	s.mu.Lock()
	delete(s.connections, peerID)
	s.mu.Unlock()

	if err := s.registry.RemovePeer(context.Background(), peerID); err != nil {
		s.logger.Infow("error removing peer", "peer_id", peerID, "error", err)
	}

	s.broadcastExcept(peerID, envelope{
		Type:    "peerDisconnected",
		Payload: map[string]domain.PeerID{"peerId": peerID},
	})

	s.metrics.RecordPeerDisconnected()
	s.logger.Infow("peer disconnected", "peer_id", peerID)
}

func (s *WebSocketServer) dispatch(peerID domain.PeerID, conn *connection, req Request) {
	if req.Type == "" {
		_ = conn.writeJSON(envelope{Type: "error", Payload: map[string]string{"error": "message type is required"}}, s.writeTimeout)
		return
	}

	s.metrics.RecordSignalMessage(req.Type)

	ctx := context.Background()
	var out interface{}

	switch req.Type {
	case "getRouterRtpCapabilities":
		out = s.handleGetRouterRtpCapabilities(peerID)
	case "getExistingProducers":
		out = s.handleGetExistingProducers(peerID)
	case "createWebRtcTransport":
		out = s.handleCreateTransport(ctx, peerID, req.Payload)
	case "connectTransport":
		out = s.handleConnectTransport(ctx, peerID, req.Payload)
	case "produce":
		out = s.handleProduce(ctx, peerID, req.Payload)
	case "consume":
		out = s.handleConsume(ctx, peerID, req.Payload)
	case "closeProducer":
		out = s.handleCloseProducer(peerID, req.Payload)
	default:
		out = map[string]string{"error": fmt.Sprintf("unknown message type: %s", req.Type)}
	}

	s.respond(conn, req.ID, req.Type, out)
}

func (s *WebSocketServer) respond(conn *connection, id int64, reqType string, payload interface{}) {
	if err := conn.writeJSON(envelope{ID: id, Type: "response", Payload: payload}, s.writeTimeout); err != nil {
		s.logger.Infow("error writing response", "type", reqType, "error", err)
	}
}

func errPayload(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// handleGetRouterRtpCapabilities returns the room's capability snapshot
// verbatim. This is the first usable request on a fresh connection: the
// snapshot bounds what the client's device may negotiate.
func (s *WebSocketServer) handleGetRouterRtpCapabilities(peerID domain.PeerID) interface{} {
	if !s.registry.PeerExists(peerID) {
		return errPayload(domain.ErrUnknownPeer)
	}
	return s.router.RTPCapabilities()
}

// handleGetExistingProducers answers the joining peer's "what is already
// flowing" query so it can consume tracks whose newProducer broadcasts
// fired before it connected.
func (s *WebSocketServer) handleGetExistingProducers(peerID domain.PeerID) interface{} {
	if !s.registry.PeerExists(peerID) {
		return errPayload(domain.ErrUnknownPeer)
	}
	return map[string]interface{}{"producers": s.registry.ListProducersExcluding(peerID)}
}

func (s *WebSocketServer) handleCreateTransport(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) interface{} {
	direction := domain.DirectionSend
	if len(payload) > 0 {
		var p createTransportPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errPayload(fmt.Errorf("invalid createWebRtcTransport payload: %w", err))
		}
		if p.Direction != "" {
			direction = p.Direction
		}
	}
	if !direction.Valid() {
		return errPayload(fmt.Errorf("invalid transport direction %q", direction))
	}

	t, err := s.ensureTransport(ctx, peerID, direction)
	if err != nil {
		return errPayload(err)
	}
	return map[string]interface{}{"params": t.Params()}
}

// ensureTransport returns the peer's transport for the direction, creating
// one if absent. Client retries converge on a single transport per
// direction instead of leaking engine resources.
func (s *WebSocketServer) ensureTransport(ctx context.Context, peerID domain.PeerID, direction domain.TransportDirection) (ports.Transport, error) {
	if !s.registry.PeerExists(peerID) {
		return nil, fmt.Errorf("peer %s: %w", peerID, domain.ErrUnknownPeer)
	}

	if t, exists := s.registry.TransportForDirection(peerID, direction); exists {
		return t, nil
	}

	t, err := s.router.CreateTransport(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.registry.AddTransport(peerID, direction, t); err != nil {
		// Lost a race: either the peer disconnected mid-create or a
		// concurrent request claimed the direction first. Release the
		// fresh transport and defer to whatever won.
		t.Close()
		if winner, exists := s.registry.TransportForDirection(peerID, direction); exists {
			return winner, nil
		}
		return nil, err
	}

	s.watchTransport(peerID, t)
	s.metrics.RecordTransportCreated(string(direction))
	s.logger.Infow("transport registered", "peer_id", peerID, "transport_id", t.ID(), "direction", direction)
	return t, nil
}

// watchTransport detaches the transport from its peer once the connection
// reaches a terminal state, keeping registry bookkeeping in sync with the
// engine regardless of event ordering.
func (s *WebSocketServer) watchTransport(peerID domain.PeerID, t ports.Transport) {
	t.OnStateChange(func(state domain.TransportState) {
		if !state.Terminal() {
			return
		}
		s.registry.DetachTransport(peerID, t.ID())
		if state != domain.TransportStateClosed {
			s.logger.Infow("transport reached terminal state", "peer_id", peerID, "transport_id", t.ID(), "state", state)
			t.Close()
		}
	})
}

func (s *WebSocketServer) handleConnectTransport(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) interface{} {
	var p connectTransportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errPayload(fmt.Errorf("invalid connectTransport payload: %w", err))
	}

	t, err := s.registry.Transport(peerID, p.TransportID)
	if err != nil {
		return errPayload(err)
	}
	if err := t.Connect(ctx, p.DTLSParameters); err != nil {
		return errPayload(err)
	}

	s.logger.Infow("transport connected", "peer_id", peerID, "transport_id", p.TransportID)
	return map[string]bool{"success": true}
}

func (s *WebSocketServer) handleProduce(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) interface{} {
	var p producePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errPayload(fmt.Errorf("invalid produce payload: %w", err))
	}
	if !p.Kind.Valid() {
		return errPayload(fmt.Errorf("invalid media kind %q", p.Kind))
	}

	t, err := s.registry.Transport(peerID, p.TransportID)
	if err != nil {
		return errPayload(err)
	}
	if !t.Connected() {
		return errPayload(fmt.Errorf("transport %s: %w", p.TransportID, domain.ErrTransportNotConnected))
	}

	producer, err := t.Produce(ctx, p.Kind, p.RTPParameters, domain.ProducerMeta{PeerID: peerID, Kind: p.Kind})
	if err != nil {
		return errPayload(err)
	}

	if err := s.registry.AddProducer(peerID, producer); err != nil {
		// The peer vanished while the engine call was in flight.
		producer.Close()
		return errPayload(err)
	}

	producer.OnClose(func() {
		s.handleProducerClosed(peerID, producer)
	})

	info := domain.ProducerInfo{ProducerID: producer.ID(), ProducerPeerID: peerID, Kind: p.Kind}
	s.broadcastExcept(peerID, envelope{Type: "newProducer", Payload: info})

	s.metrics.RecordProducerCreated(string(p.Kind))
	s.logger.Infow("producer created", "peer_id", peerID, "producer_id", producer.ID(), "kind", p.Kind)
	return map[string]domain.ProducerID{"id": producer.ID()}
}

// handleProducerClosed cascades a producer close to every consumer fed by
// it, across all peers, and detaches the registry record. Safe to run
// after the owning peer is already gone.
func (s *WebSocketServer) handleProducerClosed(peerID domain.PeerID, producer ports.Producer) {
	s.registry.DetachProducer(peerID, producer.ID())

	for _, consumers := range s.registry.ConsumersOf(producer.ID()) {
		for _, c := range consumers {
			c.Close()
		}
	}

	s.metrics.RecordProducerClosed(string(producer.Kind()))
	s.logger.Infow("producer closed", "peer_id", peerID, "producer_id", producer.ID())
}

func (s *WebSocketServer) handleConsume(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) interface{} {
	var p consumePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errPayload(fmt.Errorf("invalid consume payload: %w", err))
	}

	producer, err := s.registry.FindProducer(p.ProducerID)
	if err != nil {
		return errPayload(err)
	}

	// An explicit transport id must name a connected transport the peer
	// owns. Without one the peer's receive transport is used, created on
	// demand; the engine accepts consumers ahead of the handshake and
	// media starts flowing once the transport connects.
	var t ports.Transport
	if p.TransportID != "" {
		t, err = s.registry.Transport(peerID, p.TransportID)
		if err != nil {
			return errPayload(err)
		}
		if !t.Connected() {
			return errPayload(fmt.Errorf("transport %s: %w", p.TransportID, domain.ErrTransportNotConnected))
		}
	} else {
		t, err = s.ensureTransport(ctx, peerID, domain.DirectionRecv)
		if err != nil {
			return errPayload(err)
		}
	}

	meta := domain.ConsumerMeta{
		PeerID:         peerID,
		SourcePeerID:   producer.Meta().PeerID,
		SourceProducer: producer.ID(),
		Kind:           producer.Kind(),
	}
	consumer, err := t.Consume(ctx, producer, p.RTPCapabilities, meta)
	if err != nil {
		return errPayload(err)
	}

	if err := s.registry.AddConsumer(peerID, consumer); err != nil {
		consumer.Close()
		return errPayload(err)
	}

	consumer.OnClose(func() {
		s.registry.DetachConsumer(peerID, consumer.ID())
		s.metrics.RecordConsumerClosed(string(consumer.Kind()))
		s.sendToPeer(peerID, envelope{
			Type: "consumerClosed",
			Payload: map[string]interface{}{
				"consumerId": consumer.ID(),
				"producerId": consumer.ProducerID(),
			},
		})
	})

	if err := consumer.Resume(ctx); err != nil {
		s.logger.Warnw("consumer resume failed", "peer_id", peerID, "consumer_id", consumer.ID(), "error", err)
	}

	s.metrics.RecordConsumerCreated(string(producer.Kind()))
	s.logger.Infow("consumer created",
		"peer_id", peerID,
		"consumer_id", consumer.ID(),
		"producer_id", producer.ID(),
		"source_peer", meta.SourcePeerID,
	)

	return map[string]consumeResult{"params": {
		ID:             consumer.ID(),
		ProducerID:     producer.ID(),
		ProducerPeerID: meta.SourcePeerID,
		Kind:           producer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
	}}
}

func (s *WebSocketServer) handleCloseProducer(peerID domain.PeerID, payload json.RawMessage) interface{} {
	var p closeProducerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errPayload(fmt.Errorf("invalid closeProducer payload: %w", err))
	}

	producer, err := s.registry.FindProducer(p.ProducerID)
	if err != nil {
		return errPayload(err)
	}
	// Producers may only be closed by their owner. Other peers get the
	// same answer as for an unknown id.
	if producer.Meta().PeerID != peerID {
		return errPayload(fmt.Errorf("producer %s: %w", p.ProducerID, domain.ErrProducerNotFound))
	}

	if err := producer.Close(); err != nil {
		return errPayload(err)
	}
	return map[string]bool{"closed": true}
}

func (s *WebSocketServer) sendToPeer(peerID domain.PeerID, env envelope) {
	s.mu.RLock()
	conn, exists := s.connections[peerID]
	s.mu.RUnlock()

	if !exists {
		return
	}
	if err := conn.writeJSON(env, s.writeTimeout); err != nil {
		s.logger.Infow("error sending event to peer", "peer_id", peerID, "type", env.Type, "error", err)
	}
}

// broadcastExcept fans an event out to every connected peer but the sender.
func (s *WebSocketServer) broadcastExcept(senderID domain.PeerID, env envelope) {
	s.mu.RLock()
	targets := make(map[domain.PeerID]*connection, len(s.connections))
	for id, conn := range s.connections {
		if id == senderID {
			continue
		}
		targets[id] = conn
	}
	s.mu.RUnlock()

	for id, conn := range targets {
		if err := conn.writeJSON(env, s.writeTimeout); err != nil {
			s.logger.Infow("broadcast write failed", "peer_id", id, "type", env.Type, "error", err)
		}
	}

	s.metrics.RecordBroadcast(env.Type)
}

func (s *WebSocketServer) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"peers":       s.registry.PeerCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Shutdown closes every signaling connection and tears its peer down.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	for _, peerID := range s.ConnectedPeers() {
		s.mu.RLock()
		conn := s.connections[peerID]
		s.mu.RUnlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.writeControl(websocket.CloseMessage, msg, time.Second)
			_ = conn.ws.Close()
		}
		s.disconnect(peerID)
	}
}
