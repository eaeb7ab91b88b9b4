package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// CodecConfig describes one codec the router negotiates with.
type CodecConfig struct {
	Kind        domain.MediaKind
	MimeType    string
	ClockRate   uint32
	Channels    uint16
	PayloadType uint8
	Parameters  string
}

// Config is the engine-level configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Codecs []CodecConfig
}

// capabilitySnapshot is the shape handed to clients as the router's RTP
// capabilities.
type capabilitySnapshot struct {
	Codecs []capabilityCodec `json:"codecs"`
}

type capabilityCodec struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	PreferredPayloadType uint8            `json:"preferredPayloadType"`
	Parameters           string           `json:"parameters,omitempty"`
}

// Engine is the in-process media worker. It owns the shared WebRTC API and
// reports unexpected termination through Died.
type Engine struct {
	config Config
	api    *webrtc.API
	caps   json.RawMessage

	died     chan error
	failOnce sync.Once
	dead     atomic.Bool

	closeMu sync.Mutex
	closed  bool

	logger *zap.SugaredLogger
}

func New(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	media := &webrtc.MediaEngine{}

	snapshot := capabilitySnapshot{}
	for _, c := range cfg.Codecs {
		kind := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.KindVideo {
			kind = webrtc.RTPCodecTypeVideo
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.Parameters,
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		}
		if err := media.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
		snapshot.Codecs = append(snapshot.Codecs, capabilityCodec{
			Kind:                 c.Kind,
			MimeType:             c.MimeType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			PreferredPayloadType: c.PayloadType,
			Parameters:           c.Parameters,
		})
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	caps, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal capability snapshot: %w", err)
	}

	e := &Engine{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		caps:   caps,
		died:   make(chan error, 1),
		logger: logger,
	}

	logger.Infow("media engine created", "codecs", len(cfg.Codecs))
	return e, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (ports.Router, error) {
	r := &Router{
		engine: e,
		config: webrtc.Configuration{
			ICEServers:   e.config.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		},
		transports: make(map[domain.TransportID]*Transport),
		logger:     e.logger,
	}
	e.logger.Info("router created")
	return r, nil
}

func (e *Engine) Died() <-chan error {
	return e.died
}

// Alive reports whether the engine has not yet failed.
func (e *Engine) Alive() bool {
	return !e.dead.Load()
}

// fail reports an unrecoverable worker fault. Fires Died at most once.
func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.dead.Store(true)
		e.logger.Errorw("media engine worker failure", "error", err)
		e.died <- fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
		close(e.died)
	})
}

func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	e.closed = true
	return nil
}

// Router is the shared routing context. The capability snapshot is built
// once at engine creation and served read-only.
type Router struct {
	engine *Engine
	config webrtc.Configuration

	mu         sync.Mutex
	transports map[domain.TransportID]*Transport

	logger *zap.SugaredLogger
}

func (r *Router) RTPCapabilities() json.RawMessage {
	return r.engine.caps
}

func (r *Router) CreateTransport(ctx context.Context) (ports.Transport, error) {
	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}

	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()

	t.OnStateChange(func(state domain.TransportState) {
		if state == domain.TransportStateClosed {
			r.mu.Lock()
			delete(r.transports, t.ID())
			r.mu.Unlock()
		}
	})

	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[domain.TransportID]*Transport)
	r.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			r.logger.Warnw("transport close failed during router shutdown", "transport_id", t.ID(), "error", err)
		}
	}
	return nil
}
