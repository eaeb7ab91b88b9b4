package domain

type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string
type StreamKey string

// MediaKind is the media type a producer or consumer carries.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// TransportDirection is the intent a transport was created with. The engine
// does not care, but the registry enforces at most one transport per
// direction per peer.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// TransportState mirrors the terminal connection states reported by the
// engine. Any of the terminal states detaches the transport from its peer.
type TransportState string

const (
	TransportStateNew          TransportState = "new"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateFailed       TransportState = "failed"
	TransportStateClosed       TransportState = "closed"
)

// Terminal reports whether the state ends the transport's useful life.
func (s TransportState) Terminal() bool {
	switch s {
	case TransportStateDisconnected, TransportStateFailed, TransportStateClosed:
		return true
	}
	return false
}

// ProducerInfo is the announcement shape for a published track: the
// newProducer broadcast and the existing-producers listing both carry it.
type ProducerInfo struct {
	ProducerID     ProducerID `json:"producerId"`
	ProducerPeerID PeerID     `json:"producerPeerId"`
	Kind           MediaKind  `json:"kind"`
}

// ProducerMeta is the application metadata bag attached to a producer.
type ProducerMeta struct {
	PeerID PeerID    `json:"peerId"`
	Kind   MediaKind `json:"kind"`
}

// ConsumerMeta tags a consumer with the source it mirrors.
type ConsumerMeta struct {
	PeerID         PeerID     `json:"peerId"`
	SourcePeerID   PeerID     `json:"sourcePeerId"`
	SourceProducer ProducerID `json:"sourceProducerId"`
	Kind           MediaKind  `json:"kind"`
}
