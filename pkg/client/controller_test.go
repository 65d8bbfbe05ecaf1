package client

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"collab-sync/pkg/db"
	"collab-sync/pkg/delta"
	"collab-sync/pkg/document"
	"collab-sync/pkg/monitoring"
	"collab-sync/pkg/protocol"
	"collab-sync/pkg/revision"
	"collab-sync/pkg/room"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const docID = "doc"

// wire records what a controller sends until the network carries it.
type wire struct {
	mu      sync.Mutex
	sent    []protocol.Message
	offline bool
}

func (w *wire) Send(_ context.Context, msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.offline {
		return errors.New("offline")
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *wire) take() []protocol.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.sent
	w.sent = nil
	return out
}

func (w *wire) setOffline(off bool) {
	w.mu.Lock()
	w.offline = off
	w.mu.Unlock()
}

func (w *wire) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

var errDiskFull = errors.New("disk full")

// brokenStore rejects every revision write.
type brokenStore struct {
	*db.MemoryStore
}

func (brokenStore) InsertRecords(context.Context, []revision.Record) error { return errDiskFull }

func (brokenStore) ReplaceRange(context.Context, string, int64, int64, []revision.Record) error {
	return errDiskFull
}

type peer struct {
	name    string
	ctrl    *Controller
	wire    *wire
	inbox   []protocol.Message
	hook    *test.Hook
	metrics *monitoring.Metrics
}

// network delivers messages between peers and one synchronizer in FIFO
// order per direction, only when the test says so.
type network struct {
	t      *testing.T
	server *room.Synchronizer
	peers  map[string]*peer
	order  []string
}

func newNetwork(t *testing.T, names ...string) *network {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	server, err := room.OpenSynchronizer(ctx, docID, db.NewMemoryStore(), room.DefaultOptions(), logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close(ctx) })

	n := &network{t: t, server: server, peers: make(map[string]*peer)}
	for _, name := range names {
		n.join(name, db.NewMemoryStore())
	}
	n.settle()
	return n
}

// join connects a new peer keeping its revisions in store.
func (n *network) join(name string, store db.DurableStore) *peer {
	n.t.Helper()
	p := newPeerOn(n.t, name, store)
	n.peers[name] = p
	n.order = append(n.order, name)
	require.NoError(n.t, p.ctrl.Connect(context.Background()))
	return p
}

func newPeer(t *testing.T, name string) *peer {
	t.Helper()
	return newPeerOn(t, name, db.NewMemoryStore())
}

func newPeerOn(t *testing.T, name string, store db.DurableStore) *peer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	w := &wire{}
	m := monitoring.NewMetrics(nil)
	ctrl, err := NewController(Config{
		DocID:     docID,
		Transport: w,
		Store:     store,
		Logger:    logger.WithField("peer", name),
		Metrics:   m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close(context.Background()) })
	return &peer{name: name, ctrl: ctrl, wire: w, hook: hook, metrics: m}
}

func (n *network) peer(name string) *peer { return n.peers[name] }

// transmit puts msg through the wire encoding in both directions.
func (n *network) transmit(msg protocol.Message) protocol.Message {
	n.t.Helper()
	data, err := msg.Encode()
	require.NoError(n.t, err)
	decoded, err := protocol.Decode(data)
	require.NoError(n.t, err, "decode %s", data)
	return decoded
}

// upload hands everything p sent to the server.
func (n *network) upload(p *peer) {
	n.t.Helper()
	for _, msg := range p.wire.take() {
		out, err := n.server.Handle(context.Background(), n.transmit(msg))
		require.NoError(n.t, err)
		for _, o := range out {
			msg := n.transmit(o.Message)
			for _, name := range n.order {
				q := n.peers[name]
				if (o.To == room.ToSender) == (q == p) {
					q.inbox = append(q.inbox, msg)
				}
			}
		}
	}
}

// download hands p everything the server sent it.
func (n *network) download(p *peer) {
	n.t.Helper()
	msgs := p.inbox
	p.inbox = nil
	for _, msg := range msgs {
		require.NoError(n.t, p.ctrl.HandleMessage(context.Background(), msg))
	}
}

// drop loses everything queued for p.
func (n *network) drop(p *peer) { p.inbox = nil }

func (n *network) settle() {
	n.t.Helper()
	for i := 0; i < 100; i++ {
		busy := false
		for _, name := range n.order {
			if p := n.peers[name]; p.wire.pending() > 0 {
				n.upload(p)
				busy = true
			}
		}
		for _, name := range n.order {
			if p := n.peers[name]; len(p.inbox) > 0 {
				n.download(p)
				busy = true
			}
		}
		if !busy {
			return
		}
	}
	n.t.Fatal("network did not settle")
}

func (n *network) assertConverged() {
	n.t.Helper()
	st, err := n.server.State(context.Background())
	require.NoError(n.t, err)
	for _, name := range n.order {
		snap, err := n.peers[name].ctrl.Snapshot(context.Background())
		require.NoError(n.t, err)
		assert.Equal(n.t, st.Text, snap.Text, "peer %s text", name)
		assert.Equal(n.t, st.RevID, snap.ServerRev, "peer %s server rev", name)
		assert.Equal(n.t, Idle, snap.State, "peer %s state", name)
		assert.Zero(n.t, snap.Pending, "peer %s pending", name)
	}
}

func (p *peer) insert(t *testing.T, index int, text string) {
	t.Helper()
	snap, err := p.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	d, err := delta.InsertAt(len(snap.Text), index, text, nil)
	require.NoError(t, err)
	require.NoError(t, p.ctrl.LocalEdit(context.Background(), d))
}

func (p *peer) text(t *testing.T) string {
	t.Helper()
	text, err := p.ctrl.Text(context.Background())
	require.NoError(t, err)
	return text
}

func (p *peer) logged(msg string) *logrus.Entry {
	for _, e := range p.hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestSingleEditRoundTrip(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a := n.peer("a")

	a.insert(t, 0, "hello")
	state, err := a.ctrl.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AwaitingAck, state)

	n.settle()
	n.assertConverged()
	assert.Equal(t, "hello", n.peer("b").text(t))
}

func TestConcurrentEditsConverge(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a, b := n.peer("a"), n.peer("b")
	a.insert(t, 0, "hello")
	n.settle()

	a.insert(t, 0, "A")
	b.insert(t, 5, "B")
	n.upload(a)
	n.upload(b)
	n.settle()

	n.assertConverged()
	assert.Equal(t, "AhelloB", a.text(t))
}

func TestConcurrentInsertsAtSameIndexConverge(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a, b := n.peer("a"), n.peer("b")
	a.insert(t, 0, "xx")
	n.settle()

	a.insert(t, 1, "A")
	b.insert(t, 1, "B")
	n.upload(a)
	n.upload(b)
	n.settle()

	n.assertConverged()
	assert.Equal(t, "xABx", b.text(t))
}

func TestBufferedEditsFollowRebase(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a, b := n.peer("a"), n.peer("b")
	a.insert(t, 0, "base")
	n.settle()

	b.insert(t, 4, "!")
	n.upload(b)

	// a keeps typing while its first edit is in flight
	a.insert(t, 0, "1")
	a.insert(t, 1, "2")
	a.insert(t, 2, "3")
	n.upload(a)
	n.download(a)

	snap, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123base!", snap.Text)
	assert.Equal(t, AwaitingAck, snap.State)

	n.settle()
	n.assertConverged()
	assert.Equal(t, "123base!", b.text(t))
}

func TestReplyBeforeHistory(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a, b := n.peer("a"), n.peer("b")
	a.insert(t, 0, "hello")
	n.settle()

	a.insert(t, 0, "A")
	b.insert(t, 5, "B")
	n.upload(a)
	n.drop(b)
	n.upload(b)
	n.download(b)

	snap, err := b.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AhelloB", snap.Text)
	assert.Equal(t, Idle, snap.State)

	n.settle()
	n.assertConverged()
}

func TestRandomEditsConverge(t *testing.T) {
	n := newNetwork(t, "a", "b", "c")
	rng := rand.New(rand.NewSource(7))

	for step := 0; step < 300; step++ {
		p := n.peer(n.order[rng.Intn(len(n.order))])
		switch rng.Intn(5) {
		case 0, 1:
			text := p.text(t)
			p.insert(t, rng.Intn(len(text)+1), p.name)
		case 2:
			text := p.text(t)
			if len(text) == 0 {
				continue
			}
			start := rng.Intn(len(text))
			end := start + 1 + rng.Intn(len(text)-start)
			d, err := delta.DeleteRange(len(text), delta.Interval{Start: start, End: end})
			require.NoError(t, err)
			require.NoError(t, p.ctrl.LocalEdit(context.Background(), d))
		case 3:
			n.upload(p)
		case 4:
			n.download(p)
		}
	}
	n.settle()
	n.assertConverged()
}

func TestBufferCompaction(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")

	for i := 0; i < 7; i++ {
		a.insert(t, i, "a")
	}
	snap, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	// in flight, five merged, one trailing
	assert.Equal(t, 3, snap.Pending)
	assert.Equal(t, int64(7), snap.RevID)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.metrics.Compactions))

	n.settle()
	n.assertConverged()
	assert.Equal(t, "aaaaaaa", a.text(t))
	assert.Equal(t, int64(7), n.server.RevID())
}

func TestAckIsIdempotent(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "x")
	n.upload(a)
	require.Len(t, a.inbox, 1)
	ack := a.inbox[0]
	n.download(a)

	require.NoError(t, a.ctrl.HandleMessage(context.Background(), ack))
	snap, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ServerRev)
	assert.Equal(t, Idle, snap.State)
	assert.Zero(t, a.wire.pending())
}

func TestOwnRevisionDeliveredBack(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "x")
	sent := a.wire.take()
	require.Len(t, sent, 1)

	require.NoError(t, a.ctrl.HandleMessage(context.Background(), sent[0]))
	snap, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ServerRev)
	assert.Equal(t, Idle, snap.State)
	assert.NotNil(t, a.logged("own revision delivered back, treating as acknowledged"))
}

func TestResetDiscardsPending(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "hello")
	n.settle()

	a.insert(t, 5, " world")
	a.wire.take()

	snap := revision.New(docID, 0, 1, delta.FromText("hello"), revision.OriginRemote)
	require.NoError(t, a.ctrl.HandleMessage(context.Background(),
		protocol.Snapshot(docID, snap, document.Checksum("hello"))))

	st, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Text)
	assert.Equal(t, Idle, st.State)
	assert.Zero(t, st.Pending)

	e := a.logged("server snapshot discards local pending revisions")
	require.NotNil(t, e)
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, 1, e.Data["discarded"])
	n.assertConverged()
}

func TestChecksumMismatchResyncs(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "hello")
	n.settle()

	d, err := delta.InsertAt(5, 5, "!", nil)
	require.NoError(t, err)
	msg := protocol.PushRev(docID, revision.New(docID, 1, 2, d, revision.OriginRemote))
	msg.Checksum = "bogus"
	require.NoError(t, a.ctrl.HandleMessage(context.Background(), msg))

	assert.Equal(t, float64(1), testutil.ToFloat64(a.metrics.ChecksumMismatches))
	sent := a.wire.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.KindPullRev, sent[0].Kind)
	assert.Equal(t, revision.NewRange(docID, 1, 2), *sent[0].Range)

	// the server answers with a snapshot of what it really has
	a.wire.Send(context.Background(), sent[0])
	n.settle()
	n.assertConverged()
	assert.Equal(t, "hello", a.text(t))
}

func TestGapIsPulledFromServer(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "hi")
	n.settle()

	d, err := delta.InsertAt(2, 0, "?", nil)
	require.NoError(t, err)
	msg := protocol.PushRev(docID, revision.New(docID, 3, 4, d, revision.OriginRemote))
	require.NoError(t, a.ctrl.HandleMessage(context.Background(), msg))

	sent := a.wire.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.KindPullRev, sent[0].Kind)
	assert.Equal(t, revision.NewRange(docID, 2, 3), *sent[0].Range)
	assert.Equal(t, "hi", a.text(t))
}

func TestServerPullIsAnswered(t *testing.T) {
	n := newNetwork(t, "a")
	a := n.peer("a")
	a.insert(t, 0, "hi")
	n.settle()
	a.insert(t, 2, "!")
	inflight := a.wire.take()
	require.Len(t, inflight, 1)

	require.NoError(t, a.ctrl.HandleMessage(context.Background(),
		protocol.PullRev(revision.NewRange(docID, 1, 1))))

	sent := a.wire.take()
	require.Len(t, sent, 2)
	require.Len(t, sent[0].Revisions, 1)
	assert.Equal(t, int64(1), sent[0].Revisions[0].RevID)
	assert.Equal(t, inflight[0].Revisions[0].Checksum, sent[1].Revisions[0].Checksum)
}

func TestReconnectResendsInflight(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a := n.peer("a")

	a.wire.setOffline(true)
	a.insert(t, 0, "offline")
	assert.NotNil(t, a.logged("failed to send revision, will resend on reconnect"))

	a.wire.setOffline(false)
	require.NoError(t, a.ctrl.Connect(context.Background()))
	n.settle()
	n.assertConverged()
	assert.Equal(t, "offline", n.peer("b").text(t))
}

func TestDispatcher(t *testing.T) {
	a := newPeer(t, "a")
	d := NewDispatcher()
	d.Register(a.ctrl)

	c, ok := d.Lookup(docID)
	require.True(t, ok)
	assert.Same(t, a.ctrl, c)

	err := d.Dispatch(context.Background(), protocol.Ack("other", 0, ""))
	assert.True(t, errors.Is(err, ErrUnknownDocument))
	assert.NoError(t, d.Dispatch(context.Background(), protocol.Ack(docID, 0, "")))

	d.Unregister(docID)
	_, ok = d.Lookup(docID)
	assert.False(t, ok)
}

func TestClosedController(t *testing.T) {
	a := newPeer(t, "a")
	require.NoError(t, a.ctrl.Close(context.Background()))
	require.NoError(t, a.ctrl.Close(context.Background()))

	_, err := a.ctrl.Snapshot(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCompactedInflightGoesStale(t *testing.T) {
	n := newNetwork(t, "a", "b")
	a, b := n.peer("a"), n.peer("b")
	a.insert(t, 0, "x")
	n.settle()

	a.insert(t, 0, "1")
	n.upload(a)
	a.insert(t, 1, "2")
	a.insert(t, 2, "3")
	// the ack sends 3 and 4 merged, numbered past the server
	n.download(a)
	sent := a.wire.pending()
	require.Equal(t, 1, sent)

	b.insert(t, 1, "B")
	n.upload(b)
	n.upload(a)
	n.download(a)

	snap, err := a.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123xB", snap.Text)
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, int64(4), snap.ServerRev)

	n.settle()
	n.assertConverged()
	assert.Nil(t, a.logged("reply to a revision not in flight"))
}

func TestFailingStoreStillConverges(t *testing.T) {
	n := newNetwork(t)
	a := n.join("a", brokenStore{db.NewMemoryStore()})
	b := n.join("b", brokenStore{db.NewMemoryStore()})
	n.settle()

	a.insert(t, 0, "hello")
	n.settle()
	a.insert(t, 0, "A")
	b.insert(t, 5, "B")
	n.upload(a)
	n.upload(b)
	n.settle()

	n.assertConverged()
	assert.Equal(t, "AhelloB", b.text(t))
	assert.Greater(t, testutil.ToFloat64(b.metrics.PersistenceFailures), float64(0))
	assert.Nil(t, b.logged("failed to integrate remote revision"))

	// a snapshot is adopted without the store too
	a.insert(t, 7, "!")
	a.wire.take()
	st, err := n.server.State(context.Background())
	require.NoError(t, err)
	snap := revision.New(docID, 0, st.RevID, st.Content, revision.OriginRemote)
	require.NoError(t, a.ctrl.HandleMessage(context.Background(),
		n.transmit(protocol.Snapshot(docID, snap, st.Checksum))))
	n.assertConverged()
}

func TestPullServedAfterIntegrityFailure(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	n := newNetwork(t)
	a := n.join("a", store)
	n.settle()
	a.insert(t, 0, "hi")
	n.settle()
	require.NoError(t, a.ctrl.cache.Flush(ctx))

	d, err := delta.InsertAt(2, 2, "!", nil)
	require.NoError(t, err)
	stored := revision.New(docID, 1, 2, d, revision.OriginRemote)
	require.NoError(t, store.InsertRecords(ctx, []revision.Record{
		{Revision: stored, State: revision.StateAcknowledged, Persist: true},
	}))
	// memory holds a copy of 2 that no longer chains with the disk rows
	stale := revision.New(docID, 0, 2, delta.FromText("zz"), revision.OriginRemote)
	require.True(t, a.ctrl.cache.Add(stale, revision.StateAcknowledged, false))

	require.NoError(t, a.ctrl.HandleMessage(ctx, protocol.PullRev(revision.NewRange(docID, 1, 2))))

	sent := a.wire.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.KindPushRev, sent[0].Kind)
	require.Len(t, sent[0].Revisions, 2)
	assert.Equal(t, stored.Checksum, sent[0].Revisions[1].Checksum)
	assert.Nil(t, a.logged("cannot serve pull"))
	assert.NotNil(t, a.logged("revision cache reloaded from disk"))
}
