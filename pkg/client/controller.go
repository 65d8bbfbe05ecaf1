// Package client keeps a local replica of a document in sync with the
// server. Local edits apply immediately and are sent one revision at a
// time; remote revisions that arrive meanwhile are transformed against
// whatever is still unacknowledged.
package client

import (
	"context"

	"collab-sync/pkg/cache"
	"collab-sync/pkg/db"
	"collab-sync/pkg/delta"
	"collab-sync/pkg/document"
	"collab-sync/pkg/monitoring"
	"collab-sync/pkg/protocol"
	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("controller closed")

// Transport sends messages to the server. Inbound messages reach the
// controller through HandleMessage.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

type State int

const (
	Idle State = iota
	AwaitingAck
)

func (s State) String() string {
	if s == AwaitingAck {
		return "awaiting_ack"
	}
	return "idle"
}

type Config struct {
	DocID     string
	Transport Transport
	Store     db.DurableStore
	Cache     cache.Options
	Logger    logrus.FieldLogger
	Metrics   *monitoring.Metrics
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Controller owns the replica of one document. All state is confined to
// the run loop goroutine.
type Controller struct {
	docID     string
	transport Transport
	logger    logrus.FieldLogger
	metrics   *monitoring.Metrics

	doc   *document.Document
	cache *cache.Cache

	// serverRev is the last server revision integrated locally. Pending
	// revisions chain from it.
	serverRev int64
	// inflight is the pending revision the server has been sent; sentID is
	// the rev id it was sent under, which the server's reply refers to.
	inflight *revision.Revision
	sentID   int64

	requests chan request
	quit     chan struct{}
	done     chan struct{}
}

// NewController starts the run loop of an empty replica at revision 0.
func NewController(cfg Config) (*Controller, error) {
	if cfg.DocID == "" || cfg.Transport == nil || cfg.Store == nil {
		return nil, errors.New("controller needs a doc id, a transport and a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("doc_id", cfg.DocID)

	doc, err := document.FromDelta(delta.Delta{})
	if err != nil {
		return nil, err
	}
	c := &Controller{
		docID:     cfg.DocID,
		transport: cfg.Transport,
		logger:    logger,
		metrics:   cfg.Metrics,
		doc:       doc,
		cache:     cache.New(cfg.DocID, cfg.Store, cfg.Cache, logger, cfg.Metrics),
		requests:  make(chan request),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.cache.Start()
	go c.run()
	return c, nil
}

func (c *Controller) DocID() string { return c.docID }

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case req := <-c.requests:
			req.reply <- req.fn(req.ctx)
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the loop and flushes the cache.
func (c *Controller) Close(ctx context.Context) error {
	select {
	case <-c.quit:
		return nil
	default:
	}
	close(c.quit)
	<-c.done
	return c.cache.Close(ctx)
}

// Connect announces the replica to the server and resends the revision in
// flight, which the server acknowledges again if it already has it.
func (c *Controller) Connect(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if err := c.transport.Send(ctx, protocol.UserConnect(c.docID, c.serverRev)); err != nil {
			return errors.Wrap(err, "send user_connect")
		}
		if c.inflight != nil {
			return c.send(ctx, *c.inflight)
		}
		return nil
	})
}

// LocalEdit applies a change made on this replica.
func (c *Controller) LocalEdit(ctx context.Context, d delta.Delta) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.localEdit(ctx, d)
	})
}

// HandleMessage processes a message from the server.
func (c *Controller) HandleMessage(ctx context.Context, msg protocol.Message) error {
	if msg.DocID != c.docID {
		return errors.Wrapf(protocol.ErrInvalidMessage, "message for %q sent to %q", msg.DocID, c.docID)
	}
	return c.do(ctx, func(ctx context.Context) error {
		switch msg.Kind {
		case protocol.KindPushRev:
			return c.handlePush(ctx, msg)
		case protocol.KindAck:
			return c.handleAck(ctx, msg)
		case protocol.KindPullRev:
			return c.handlePull(ctx, *msg.Range)
		}
		c.logger.WithField("type", msg.Kind).Debug("ignoring message")
		return nil
	})
}

// Snapshot is a consistent view of the replica.
type Snapshot struct {
	Text      string
	Content   delta.Delta
	RevID     int64
	ServerRev int64
	State     State
	Pending   int
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func(context.Context) error {
		snap = Snapshot{
			Text:      c.doc.PlainText(),
			Content:   c.doc.CurrentDelta(),
			RevID:     c.doc.CurrentRevID(),
			ServerRev: c.serverRev,
			State:     c.state(),
			Pending:   len(c.cache.Pending()),
		}
		return nil
	})
	return snap, err
}

// Text returns the materialized content.
func (c *Controller) Text(ctx context.Context) (string, error) {
	snap, err := c.Snapshot(ctx)
	return snap.Text, err
}

// RevID returns the local revision, which counts pending edits.
func (c *Controller) RevID(ctx context.Context) (int64, error) {
	snap, err := c.Snapshot(ctx)
	return snap.RevID, err
}

func (c *Controller) State(ctx context.Context) (State, error) {
	snap, err := c.Snapshot(ctx)
	return snap.State, err
}

func (c *Controller) state() State {
	if c.inflight != nil {
		return AwaitingAck
	}
	return Idle
}
