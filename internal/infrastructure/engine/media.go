package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"roomcast/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const keyframeInterval = 3 * time.Second

// Producer is a published track. Until the remote track arrives it is a
// bookkeeping record only; once attached it fans incoming RTP out to every
// subscribed consumer.
type Producer struct {
	id   domain.ProducerID
	kind domain.MediaKind
	meta domain.ProducerMeta

	mu          sync.Mutex
	closed      bool
	closeFns    []func()
	subscribers map[domain.ConsumerID]*Consumer
	codec       webrtc.RTPCodecCapability
	stop        chan struct{}

	logger *zap.SugaredLogger
}

func newProducer(kind domain.MediaKind, meta domain.ProducerMeta, logger *zap.SugaredLogger) *Producer {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return &Producer{
		id:          domain.ProducerID(uuid.NewString()),
		kind:        kind,
		meta:        meta,
		subscribers: make(map[domain.ConsumerID]*Consumer),
		codec:       codec,
		stop:        make(chan struct{}),
		logger:      logger,
	}
}

func (p *Producer) ID() domain.ProducerID { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Meta() domain.ProducerMeta { return p.meta }

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go fn()
		return
	}
	p.closeFns = append(p.closeFns, fn)
}

func (p *Producer) codecCapability() webrtc.RTPCodecCapability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codec
}

// attachRemote binds the arriving remote track and starts forwarding.
func (p *Producer) attachRemote(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.codec = remote.Codec().RTPCodecCapability
	p.mu.Unlock()

	go p.forward(remote)
	go p.drainRTCP(receiver)
	if p.kind == domain.KindVideo {
		go p.requestKeyframes(pc, remote)
	}
}

// forward reads RTP from the publisher and writes each packet to every
// non-paused subscriber's local track. The track ending closes the producer.
func (p *Producer) forward(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warnw("producer track read ended", "producer_id", p.id, "error", err)
			}
			p.Close()
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Warnw("dropping malformed RTP packet", "producer_id", p.id, "error", err)
			continue
		}

		p.mu.Lock()
		subs := make([]*Consumer, 0, len(p.subscribers))
		for _, c := range p.subscribers {
			subs = append(subs, c)
		}
		p.mu.Unlock()

		for _, c := range subs {
			c.writeRTP(pkt)
		}
	}
}

// drainRTCP keeps the receiver's interceptor pipeline running.
func (p *Producer) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyframes asks the publisher for a keyframe periodically so late
// joiners do not wait for the natural GOP boundary.
func (p *Producer) requestKeyframes(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
			if err != nil {
				p.logger.Debugw("keyframe request failed", "producer_id", p.id, "error", err)
				return
			}
		}
	}
}

func (p *Producer) addSubscriber(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[c.id] = c
}

func (p *Producer) removeSubscriber(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, id)
}

// Close ends the producer and cascades to every consumer derived from it.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	subs := make([]*Consumer, 0, len(p.subscribers))
	for _, c := range p.subscribers {
		subs = append(subs, c)
	}
	p.subscribers = make(map[domain.ConsumerID]*Consumer)
	fns := p.closeFns
	p.closeFns = nil
	p.mu.Unlock()

	for _, c := range subs {
		c.Close()
	}
	for _, fn := range fns {
		fn()
	}

	p.logger.Infow("producer closed", "producer_id", p.id, "kind", p.kind, "consumers_cascaded", len(subs))
	return nil
}

// consumerParams is returned to the consuming client.
type consumerParams struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// Consumer feeds one remote producer's RTP into its own local track on the
// receiving transport. Starts paused; Resume opens the gate.
type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	meta       domain.ConsumerMeta
	rtpParams  json.RawMessage

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	source *Producer

	mu       sync.Mutex
	paused   bool
	closed   bool
	closeFns []func()

	logger *zap.SugaredLogger
}

func newConsumer(t *Transport, src *Producer, meta domain.ConsumerMeta) (*Consumer, error) {
	codec := src.codecCapability()

	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(src.kind), "roomcast-"+string(meta.SourcePeerID))
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	params, err := json.Marshal(consumerParams{
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: codec.SDPFmtpLine,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal consumer params: %w", err)
	}

	c := &Consumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: src.id,
		kind:       src.kind,
		meta:       meta,
		rtpParams:  params,
		track:      track,
		sender:     sender,
		source:     src,
		paused:     true,
		logger:     t.logger,
	}

	go c.drainSenderRTCP()
	src.addSubscriber(c)

	return c, nil
}

func (c *Consumer) ID() domain.ConsumerID { return c.id }

func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) Meta() domain.ConsumerMeta { return c.meta }

func (c *Consumer) RTPParameters() json.RawMessage { return c.rtpParams }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s: %w", c.id, domain.ErrConsumerNotFound)
	}
	c.paused = false
	return nil
}

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go fn()
		return
	}
	c.closeFns = append(c.closeFns, fn)
}

func (c *Consumer) writeRTP(pkt *rtp.Packet) {
	c.mu.Lock()
	skip := c.paused || c.closed
	c.mu.Unlock()
	if skip {
		return
	}

	if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debugw("consumer write failed", "consumer_id", c.id, "error", err)
	}
}

func (c *Consumer) drainSenderRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()

	c.source.removeSubscriber(c.id)
	if err := c.sender.Stop(); err != nil {
		c.logger.Debugw("sender stop failed", "consumer_id", c.id, "error", err)
	}
	for _, fn := range fns {
		fn()
	}

	c.logger.Infow("consumer closed", "consumer_id", c.id, "producer_id", c.producerID)
	return nil
}
