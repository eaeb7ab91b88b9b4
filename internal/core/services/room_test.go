package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport implements ports.Transport for registry tests.
type fakeTransport struct {
	id        domain.TransportID
	connected bool
	closed    atomic.Int32
	stateFn   func(domain.TransportState)
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: domain.TransportID(id)}
}

func (t *fakeTransport) ID() domain.TransportID  { return t.id }
func (t *fakeTransport) Params() json.RawMessage { return json.RawMessage(`{}`) }
func (t *fakeTransport) Connected() bool         { return t.connected }

func (t *fakeTransport) Connect(ctx context.Context, dtls json.RawMessage) error {
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind domain.MediaKind, rtp json.RawMessage, meta domain.ProducerMeta) (ports.Producer, error) {
	return newFakeProducer(string(t.id)+"-prod", kind, meta), nil
}

func (t *fakeTransport) Consume(ctx context.Context, p ports.Producer, caps json.RawMessage, meta domain.ConsumerMeta) (ports.Consumer, error) {
	return newFakeConsumer(string(t.id)+"-cons", p.ID(), meta), nil
}

func (t *fakeTransport) OnStateChange(fn func(domain.TransportState)) { t.stateFn = fn }

func (t *fakeTransport) Close() error {
	t.closed.Add(1)
	return nil
}

type fakeProducer struct {
	id      domain.ProducerID
	kind    domain.MediaKind
	meta    domain.ProducerMeta
	closed  atomic.Int32
	mu      sync.Mutex
	closeFn []func()
}

func newFakeProducer(id string, kind domain.MediaKind, meta domain.ProducerMeta) *fakeProducer {
	return &fakeProducer{id: domain.ProducerID(id), kind: kind, meta: meta}
}

func (p *fakeProducer) ID() domain.ProducerID     { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind    { return p.kind }
func (p *fakeProducer) Meta() domain.ProducerMeta { return p.meta }

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.closeFn = append(p.closeFn, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() error {
	if p.closed.Add(1) > 1 {
		return nil
	}
	p.mu.Lock()
	fns := p.closeFn
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

type fakeConsumer struct {
	id       domain.ConsumerID
	producer domain.ProducerID
	meta     domain.ConsumerMeta
	paused   bool
	closed   atomic.Int32
	mu       sync.Mutex
	closeFn  []func()
}

func newFakeConsumer(id string, producer domain.ProducerID, meta domain.ConsumerMeta) *fakeConsumer {
	return &fakeConsumer{id: domain.ConsumerID(id), producer: producer, meta: meta, paused: true}
}

func (c *fakeConsumer) ID() domain.ConsumerID          { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID  { return c.producer }
func (c *fakeConsumer) Kind() domain.MediaKind         { return c.meta.Kind }
func (c *fakeConsumer) Meta() domain.ConsumerMeta      { return c.meta }
func (c *fakeConsumer) RTPParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (c *fakeConsumer) Paused() bool                   { return c.paused }

func (c *fakeConsumer) Resume(ctx context.Context) error {
	c.paused = false
	return nil
}

func (c *fakeConsumer) OnClose(fn func()) {
	c.mu.Lock()
	c.closeFn = append(c.closeFn, fn)
	c.mu.Unlock()
}

func (c *fakeConsumer) Close() error {
	if c.closed.Add(1) > 1 {
		return nil
	}
	c.mu.Lock()
	fns := c.closeFn
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

type fakeRouter struct{}

func (fakeRouter) RTPCapabilities() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }
func (fakeRouter) CreateTransport(ctx context.Context) (ports.Transport, error) {
	return newFakeTransport("t"), nil
}
func (fakeRouter) Close() error { return nil }

func newTestRoom() *Room {
	return NewRoom(fakeRouter{}, zap.NewNop().Sugar())
}

func TestAddPeer_Duplicate(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()

	require.NoError(t, room.AddPeer(ctx, "alice", "Alice"))

	err := room.AddPeer(ctx, "alice", "Alice again")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicatePeer)

	// First registration is untouched
	name, err := room.PeerName("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	assert.Equal(t, 1, room.PeerCount())
}

func TestRemovePeer_Unknown(t *testing.T) {
	room := newTestRoom()

	err := room.RemovePeer(context.Background(), "nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownPeer)
}

func TestRemovePeer_ClosesResourcesInDependencyOrder(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()

	require.NoError(t, room.AddPeer(ctx, "alice", ""))

	var order []string
	var mu sync.Mutex
	record := func(kind string) func() {
		return func() {
			mu.Lock()
			order = append(order, kind)
			mu.Unlock()
		}
	}

	tr := newFakeTransport("t1")
	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, tr))

	prod := newFakeProducer("p1", domain.KindVideo, domain.ProducerMeta{PeerID: "alice", Kind: domain.KindVideo})
	prod.OnClose(record("producer"))
	require.NoError(t, room.AddProducer("alice", prod))

	cons := newFakeConsumer("c1", "p-remote", domain.ConsumerMeta{PeerID: "alice", Kind: domain.KindVideo})
	cons.OnClose(record("consumer"))
	require.NoError(t, room.AddConsumer("alice", cons))

	require.NoError(t, room.RemovePeer(ctx, "alice"))

	assert.Equal(t, []string{"consumer", "producer"}, order)
	assert.Equal(t, int32(1), tr.closed.Load())
	assert.False(t, room.PeerExists("alice"))

	// Second removal reports unknown peer
	assert.ErrorIs(t, room.RemovePeer(ctx, "alice"), domain.ErrUnknownPeer)
}

func TestAddTransport_DirectionOccupied(t *testing.T) {
	room := newTestRoom()
	require.NoError(t, room.AddPeer(context.Background(), "alice", ""))

	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, newFakeTransport("t1")))
	err := room.AddTransport("alice", domain.DirectionSend, newFakeTransport("t2"))
	require.Error(t, err)

	// Other direction is free
	require.NoError(t, room.AddTransport("alice", domain.DirectionRecv, newFakeTransport("t3")))
}

func TestTransport_Lookup(t *testing.T) {
	room := newTestRoom()
	require.NoError(t, room.AddPeer(context.Background(), "alice", ""))

	tr := newFakeTransport("t1")
	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, tr))

	got, err := room.Transport("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), got.ID())

	_, err = room.Transport("alice", "missing")
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = room.Transport("bob", "t1")
	assert.ErrorIs(t, err, domain.ErrUnknownPeer)

	byDir, ok := room.TransportForDirection("alice", domain.DirectionSend)
	require.True(t, ok)
	assert.Equal(t, tr.ID(), byDir.ID())

	_, ok = room.TransportForDirection("alice", domain.DirectionRecv)
	assert.False(t, ok)
}

func TestDetachTransport_FreesDirection(t *testing.T) {
	room := newTestRoom()
	require.NoError(t, room.AddPeer(context.Background(), "alice", ""))

	tr := newFakeTransport("t1")
	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, tr))

	room.DetachTransport("alice", "t1")

	_, err := room.Transport("alice", "t1")
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	// Detach does not close the engine resource
	assert.Equal(t, int32(0), tr.closed.Load())

	// Direction slot is free again
	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, newFakeTransport("t2")))
}

func TestFindProducer_AcrossPeers(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()
	require.NoError(t, room.AddPeer(ctx, "alice", ""))
	require.NoError(t, room.AddPeer(ctx, "bob", ""))

	prod := newFakeProducer("p1", domain.KindAudio, domain.ProducerMeta{PeerID: "bob", Kind: domain.KindAudio})
	require.NoError(t, room.AddProducer("bob", prod))

	got, err := room.FindProducer("p1")
	require.NoError(t, err)
	assert.Equal(t, prod.ID(), got.ID())

	_, err = room.FindProducer("missing")
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsumersOf_GroupsByOwner(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()
	require.NoError(t, room.AddPeer(ctx, "alice", ""))
	require.NoError(t, room.AddPeer(ctx, "bob", ""))

	c1 := newFakeConsumer("c1", "p1", domain.ConsumerMeta{PeerID: "alice", SourceProducer: "p1"})
	c2 := newFakeConsumer("c2", "p1", domain.ConsumerMeta{PeerID: "bob", SourceProducer: "p1"})
	other := newFakeConsumer("c3", "p2", domain.ConsumerMeta{PeerID: "bob", SourceProducer: "p2"})
	require.NoError(t, room.AddConsumer("alice", c1))
	require.NoError(t, room.AddConsumer("bob", c2))
	require.NoError(t, room.AddConsumer("bob", other))

	got := room.ConsumersOf("p1")
	require.Len(t, got, 2)
	require.Len(t, got["alice"], 1)
	require.Len(t, got["bob"], 1)
	assert.Equal(t, domain.ConsumerID("c1"), got["alice"][0].ID())
	assert.Equal(t, domain.ConsumerID("c2"), got["bob"][0].ID())
}

func TestListProducersExcluding(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()
	require.NoError(t, room.AddPeer(ctx, "alice", ""))
	require.NoError(t, room.AddPeer(ctx, "bob", ""))

	pa := newFakeProducer("pa", domain.KindAudio, domain.ProducerMeta{PeerID: "alice", Kind: domain.KindAudio})
	pb := newFakeProducer("pb", domain.KindVideo, domain.ProducerMeta{PeerID: "bob", Kind: domain.KindVideo})
	require.NoError(t, room.AddProducer("alice", pa))
	require.NoError(t, room.AddProducer("bob", pb))

	got := room.ListProducersExcluding("alice")
	require.Len(t, got, 1)
	assert.Equal(t, domain.ProducerID("pb"), got[0].ProducerID)
	assert.Equal(t, domain.PeerID("bob"), got[0].ProducerPeerID)
	assert.Equal(t, domain.KindVideo, got[0].Kind)

	// Empty peer id excludes nothing
	assert.Len(t, room.ListProducersExcluding(""), 2)
}

func TestRemovePeer_ContinuesPastCloseErrors(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()
	require.NoError(t, room.AddPeer(ctx, "alice", ""))

	bad := &erroringProducer{fakeProducer: fakeProducer{id: "p1", kind: domain.KindAudio, meta: domain.ProducerMeta{PeerID: "alice"}}}
	require.NoError(t, room.AddProducer("alice", bad))

	tr := newFakeTransport("t1")
	require.NoError(t, room.AddTransport("alice", domain.DirectionSend, tr))

	require.NoError(t, room.RemovePeer(ctx, "alice"))

	// Teardown is best effort: the transport still got closed
	assert.Equal(t, int32(1), tr.closed.Load())
}

type erroringProducer struct {
	fakeProducer
}

func (p *erroringProducer) Close() error {
	return fmt.Errorf("engine: %w", errors.New("producer already gone"))
}

func TestConcurrentAddRemove(t *testing.T) {
	room := newTestRoom()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := domain.PeerID(fmt.Sprintf("peer-%d", n))
			if err := room.AddPeer(ctx, id, ""); err != nil {
				return
			}
			_ = room.AddTransport(id, domain.DirectionSend, newFakeTransport(fmt.Sprintf("t-%d", n)))
			_ = room.RemovePeer(ctx, id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, room.PeerCount())
}
