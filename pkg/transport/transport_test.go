package transport

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/frame"
	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/p2p"
	"github.com/Metaphorme/railsync/pkg/session"
	"github.com/Metaphorme/railsync/pkg/world"
)

var quiet = slog.New(slog.DiscardHandler)

// sink 把连接事件转成通道，便于在测试协程里等待
type sink struct {
	msgs    chan message.Message
	bad     chan error
	closed  chan error
	receive error
}

func newSink() *sink {
	return &sink{
		msgs:   make(chan message.Message, 16),
		bad:    make(chan error, 16),
		closed: make(chan error, 1),
	}
}

func (s *sink) Receive(_ session.Conn, m message.Message) error {
	s.msgs <- m
	return s.receive
}

func (s *sink) Malformed(_ session.Conn, err error) error {
	s.bad <- err
	return nil
}

func (s *sink) Closed(_ session.Conn, cause error) { s.closed <- cause }

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestPeer_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	sa, sb := newSink(), newSink()
	pa := NewPeer(a, sa, quiet, "b")
	pb := NewPeer(b, sb, quiet, "a")
	pa.Start()
	pb.Start()
	defer pa.Close()
	defer pb.Close()

	require.NoError(t, pa.Send(message.NewAlive("alice")))
	require.NoError(t, pa.Send(&message.Text{Sender: "alice", To: []string{"bob"}, Body: "下一站 Crewe"}))

	got := waitFor(t, sb.msgs)
	assert.Equal(t, message.NewAlive("alice"), got)
	got = waitFor(t, sb.msgs)
	txt, ok := got.(*message.Text)
	require.True(t, ok)
	assert.Equal(t, "下一站 Crewe", txt.Body)
	assert.Equal(t, []string{"bob"}, txt.To)

	require.NoError(t, pb.Send(message.NewQuit("bob")))
	assert.Equal(t, message.NewQuit("bob"), waitFor(t, sa.msgs))
	assert.NotEqual(t, pa.ID(), pb.ID())
}

func TestPeer_MalformedBodyKeepsConnection(t *testing.T) {
	a, b := net.Pipe()
	s := newSink()
	p := NewPeer(b, s, quiet, "raw")
	p.Start()
	defer p.Close()

	go func() {
		_ = frame.WriteFrame(a, "TIMECHECK soon")
		_ = frame.WriteFrame(a, message.Encode(message.NewAlive("alice")))
	}()

	err := waitFor(t, s.bad)
	assert.Equal(t, models.KindMalformedBody, models.KindOf(err))
	assert.Equal(t, message.NewAlive("alice"), waitFor(t, s.msgs))
}

func TestPeer_UnknownTagCloses(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	s := newSink()
	NewPeer(b, s, quiet, "raw").Start()

	go func() { _ = frame.WriteFrame(a, "BOGUS 1 2 3") }()

	cause := waitFor(t, s.closed)
	assert.Equal(t, models.KindFraming, models.KindOf(cause))
}

func TestPeer_FatalReceiveCloses(t *testing.T) {
	a, b := net.Pipe()
	sa, sb := newSink(), newSink()
	sb.receive = models.Errorf(models.KindIntegrity, "route mismatch")
	pa := NewPeer(a, sa, quiet, "b")
	pb := NewPeer(b, sb, quiet, "a")
	pa.Start()
	pb.Start()

	require.NoError(t, pa.Send(message.NewAlive("alice")))
	waitFor(t, sb.msgs)
	assert.Equal(t, models.KindIntegrity, models.KindOf(waitFor(t, sb.closed)))
	assert.Equal(t, models.KindTransport, models.KindOf(waitFor(t, sa.closed)))
	assert.ErrorIs(t, pb.Send(message.NewAlive("bob")), ErrClosed)
}

func TestPeer_CloseFlushesQueue(t *testing.T) {
	a, b := net.Pipe()
	sa, sb := newSink(), newSink()
	pa := NewPeer(a, sa, quiet, "b")
	pb := NewPeer(b, sb, quiet, "a")

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, pa.Send(message.NewLost(name)))
	}
	require.NoError(t, pa.Close())
	pb.Start()
	pa.Start()

	for _, name := range []string{"one", "two", "three"} {
		assert.Equal(t, message.NewLost(name), waitFor(t, sb.msgs))
	}
	assert.Nil(t, waitFor(t, sa.closed))
	assert.Equal(t, models.KindTransport, models.KindOf(waitFor(t, sb.closed)))
}

// pair 是一台主机和一个参与者，各自拥有内存世界
type pair struct {
	hostW, partW *world.Memory
	host, part   *session.Manager
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{hostW: world.NewMemory(4, 2), partW: world.NewMemory(4, 2)}
	p.host = session.New(p.hostW, session.WithUser("hank"), session.WithLogger(quiet))
	p.part = session.New(p.partW, session.WithUser("alice"), session.WithLogger(quiet))
	require.NoError(t, p.partW.AddTrain(&models.Train{
		Number:  1,
		Owner:   "alice",
		Control: models.ControlLocal,
		Cars:    []models.Car{{ID: "a-0", Path: "trainset\\a.wag", Length: 15}},
	}))
	p.host.StartHost()
	p.host.Tick()
	return p
}

// settle 推进两边的模拟线程，直到 cond 成立
func (p *pair) settle(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.host.Tick()
		p.part.Tick()
		return cond()
	}, 10*time.Second, 20*time.Millisecond)
}

func TestHub_TCPJoin(t *testing.T) {
	p := newPair(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := NewHub(nil, p.host, quiet)
	go func() { _ = hub.Serve(ln) }()
	defer hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := Connect(ctx, nil, ln.Addr().String(), p.part, quiet)
	require.NoError(t, err)
	p.part.Join(peer)
	peer.Start()

	p.settle(t, func() bool { return p.part.State() == models.StateActive })
	owner, ok := p.host.Owner(1)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, 1, hub.Peers())

	p.part.Quit()
	p.settle(t, func() bool {
		st := p.host.Status()
		return len(st.Lost) == 1 && hub.Peers() == 0
	})
	assert.Equal(t, models.RoleOffline, p.part.Role())
}

func TestHub_Libp2pJoin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping libp2p loopback test in short mode")
	}
	p := newPair(t)
	hh, err := p2p.NewHost(p2p.HostConfig{Listen: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	defer hh.Close()
	ph, err := p2p.NewHost(p2p.HostConfig{Listen: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	defer ph.Close()

	hub := NewHub(hh, p.host, quiet)
	hub.Start()
	defer hub.Stop()

	addrs := p2p.DialAddrs(hh, true)
	require.NotEmpty(t, addrs)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peer, err := Connect(ctx, ph, addrs[0], p.part, quiet)
	require.NoError(t, err)
	p.part.Join(peer)
	peer.Start()

	p.settle(t, func() bool { return p.part.State() == models.StateActive })
	_, ok := p.host.Participant("alice")
	assert.True(t, ok)

	hub.Stop()
	p.settle(t, func() bool { return p.part.Role() == models.RoleOffline })
}
