package room

import (
	"context"
	"sync/atomic"
	"time"

	"collab-sync/pkg/cache"
	"collab-sync/pkg/db"
	"collab-sync/pkg/delta"
	"collab-sync/pkg/document"
	"collab-sync/pkg/monitoring"
	"collab-sync/pkg/protocol"
	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when the document lock was not acquired within
// the configured wait. The message was dropped and may be retried.
var ErrLockTimeout = errors.New("document lock timeout")

type Options struct {
	LockTimeout   time.Duration
	SnapshotEvery int
	Cache         cache.Options
}

func DefaultOptions() Options {
	return Options{
		LockTimeout:   300 * time.Millisecond,
		SnapshotEvery: 100,
		Cache:         cache.DefaultOptions(),
	}
}

// Delivery says who receives an outbound message.
type Delivery int

const (
	ToSender Delivery = iota
	ToOthers
)

type Outbound struct {
	To      Delivery
	Message protocol.Message
}

// Synchronizer is the authority for one document. It orders the revisions
// of every session and rebases the stale ones.
type Synchronizer struct {
	docID   string
	store   db.Store
	opts    Options
	logger  logrus.FieldLogger
	metrics *monitoring.Metrics

	lock    *semaphore.Weighted
	doc     *document.Document
	history *cache.Cache
	rev     atomic.Int64

	sinceSnapshot int
}

// OpenSynchronizer loads the latest snapshot of docID and replays the
// revisions stored after it.
func OpenSynchronizer(ctx context.Context, docID string, store db.Store, opts Options,
	logger logrus.FieldLogger, metrics *monitoring.Metrics,
) (*Synchronizer, error) {
	logger = logger.WithField("doc_id", docID)

	var content delta.Delta
	var revID int64
	snap, err := store.LoadSnapshot(ctx, docID)
	switch {
	case err == nil:
		content, revID = snap.Content, snap.RevID
	case errors.Is(err, db.ErrDocumentNotFound):
	default:
		return nil, errors.Wrapf(err, "load snapshot of %s", docID)
	}

	doc, err := document.New(content, revID)
	if err != nil {
		return nil, err
	}

	rows, err := store.ReadRange(ctx, docID, revID+1, int64(1)<<62)
	if err != nil {
		return nil, errors.Wrapf(err, "read revisions of %s", docID)
	}
	replayed := 0
	for _, rec := range rows {
		if rec.BaseRevID != doc.CurrentRevID() {
			logger.WithFields(logrus.Fields{
				"rev_id":  rec.RevID,
				"base":    rec.BaseRevID,
				"current": doc.CurrentRevID(),
			}).Warn("stored revisions have a gap, replay stopped")
			break
		}
		d, err := rec.Delta()
		if err != nil {
			return nil, err
		}
		if err := doc.ApplyAt(d, rec.RevID); err != nil {
			return nil, errors.Wrapf(err, "replay revision %d", rec.RevID)
		}
		replayed++
	}

	s := &Synchronizer{
		docID:   docID,
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		lock:    semaphore.NewWeighted(1),
		doc:     doc,
		history: cache.New(docID, store, opts.Cache, logger, metrics),

		sinceSnapshot: replayed,
	}
	s.rev.Store(doc.CurrentRevID())
	s.history.Start()

	logger.WithFields(logrus.Fields{
		"rev_id":   doc.CurrentRevID(),
		"replayed": replayed,
	}).Info("document opened")
	return s, nil
}

func (s *Synchronizer) DocID() string { return s.docID }

// RevID is the current server revision. It does not take the lock.
func (s *Synchronizer) RevID() int64 { return s.rev.Load() }

func (s *Synchronizer) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	if err := s.lock.Acquire(ctx, 1); err != nil {
		s.metrics.LockTimeout()
		s.logger.WithField("action", "lock").Warn("document lock not acquired, message dropped")
		return errors.Wrapf(ErrLockTimeout, "%s after %s", s.docID, s.opts.LockTimeout)
	}
	return nil
}

func (s *Synchronizer) release() { s.lock.Release(1) }

// Handle applies msg from one session and returns what must be sent back to
// it and to the other sessions.
func (s *Synchronizer) Handle(ctx context.Context, msg protocol.Message) ([]Outbound, error) {
	var out []Outbound
	err := s.HandleFunc(ctx, msg, func(o []Outbound) { out = o })
	return out, err
}

// HandleFunc is Handle with deliver called before the document lock is
// released, so sessions receive outbound messages in the order the
// revisions were applied. deliver must not block.
func (s *Synchronizer) HandleFunc(ctx context.Context, msg protocol.Message, deliver func([]Outbound)) error {
	if msg.DocID != s.docID {
		return errors.Wrapf(protocol.ErrInvalidMessage, "message for %q sent to %q", msg.DocID, s.docID)
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	out, err := s.handle(ctx, msg)
	if len(out) > 0 {
		deliver(out)
	}
	return err
}

func (s *Synchronizer) handle(ctx context.Context, msg protocol.Message) ([]Outbound, error) {
	switch msg.Kind {
	case protocol.KindPushRev:
		return s.receive(ctx, msg.Revisions)
	case protocol.KindUserConnect:
		return s.connect(ctx, msg.RevID), nil
	case protocol.KindPullRev:
		return s.pull(ctx, *msg.Range), nil
	case protocol.KindAck:
		// clients ack pushes; the server has nothing to settle
		return nil, nil
	}
	return nil, errors.Wrapf(protocol.ErrInvalidMessage, "unknown type %q", msg.Kind)
}

// ack carries the content checksum only when revID is the current revision,
// since that is the content the checksum describes.
func (s *Synchronizer) ack(revID int64) Outbound {
	var sum string
	if revID == s.doc.CurrentRevID() {
		sum = s.doc.Checksum()
	}
	return Outbound{To: ToSender, Message: protocol.Ack(s.docID, revID, sum)}
}

func (s *Synchronizer) push(to Delivery, revs ...revision.Revision) Outbound {
	msg := protocol.PushRev(s.docID, revs...)
	msg.Checksum = s.doc.Checksum()
	return Outbound{To: to, Message: msg}
}

func (s *Synchronizer) snapshot() Outbound {
	snap := revision.New(s.docID, 0, s.doc.CurrentRevID(), s.doc.CurrentDelta(), revision.OriginRemote)
	return Outbound{To: ToSender, Message: protocol.Snapshot(s.docID, snap, s.doc.Checksum())}
}

func (s *Synchronizer) receive(ctx context.Context, revs []revision.Revision) ([]Outbound, error) {
	var out []Outbound
	for i, r := range revs {
		log := s.logger.WithFields(logrus.Fields{
			"action": "receive",
			"rev_id": r.RevID,
			"base":   r.BaseRevID,
		})
		current := s.doc.CurrentRevID()

		if r.RevID <= current {
			dup, err := s.isDuplicate(ctx, r)
			if err != nil {
				return out, err
			}
			if dup {
				s.metrics.RevisionApplied(monitoring.OutcomeDuplicate)
				log.Warn("duplicate revision acknowledged again")
				out = append(out, s.ack(r.RevID))
				continue
			}
		}

		switch {
		case r.BaseRevID == current:
			msgs, err := s.applyContiguous(ctx, r)
			out = append(out, msgs...)
			if err != nil {
				log.WithError(err).Error("revision rejected")
				return out, nil
			}
			log.Debug("revision applied")

		case r.BaseRevID > current:
			s.metrics.RevisionApplied(monitoring.OutcomeGap)
			log.WithField("current", current).Info("revision ahead of document, pulling the gap")
			rng := revision.NewRange(s.docID, current+1, r.BaseRevID)
			return append(out, Outbound{To: ToSender, Message: protocol.PullRev(rng)}), nil

		default:
			msgs, err := s.applyStale(ctx, r)
			out = append(out, msgs...)
			if err != nil {
				log.WithError(err).Error("stale revision could not be rebased")
				return out, nil
			}
			log.WithField("current", current).Info("stale revision transformed")
			if rest := len(revs) - i - 1; rest > 0 {
				// the rest were numbered after r by the client
				log.WithField("dropped", rest).Warn("revisions after a stale one dropped")
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *Synchronizer) isDuplicate(ctx context.Context, r revision.Revision) (bool, error) {
	rec, ok, err := s.history.Get(ctx, r.RevID)
	if err != nil {
		return false, err
	}
	return ok && rec.BaseRevID == r.BaseRevID && rec.Checksum == r.Checksum, nil
}

func (s *Synchronizer) applyContiguous(ctx context.Context, r revision.Revision) ([]Outbound, error) {
	d, err := r.Delta()
	if err != nil {
		return s.reject(err)
	}
	if err := s.doc.ApplyAt(d, r.RevID); err != nil {
		return s.reject(err)
	}
	stored := r.WithOrigin(revision.OriginRemote)
	s.commit(ctx, stored)
	s.metrics.RevisionApplied(monitoring.OutcomeApplied)
	return []Outbound{s.ack(r.RevID), s.push(ToOthers, stored)}, nil
}

// applyStale rebases r over the history it missed. History is the left
// argument, so history inserts win ties exactly as clients rebasing their
// pending edits over pushed history do.
func (s *Synchronizer) applyStale(ctx context.Context, r revision.Revision) ([]Outbound, error) {
	current := s.doc.CurrentRevID()
	history, err := s.history.RecoverRange(ctx, revision.NewRange(s.docID, r.BaseRevID+1, current))
	if err != nil {
		s.metrics.RevisionApplied(monitoring.OutcomeRejected)
		return []Outbound{s.snapshot()}, err
	}

	c, err := r.Delta()
	if err != nil {
		return s.reject(err)
	}
	var clientPrime delta.Delta
	for i, h := range history {
		hd, err := h.Delta()
		if err != nil {
			return s.reject(err)
		}
		hPrime, cPrime, err := hd.Transform(c)
		if err != nil {
			return s.reject(err)
		}
		c = cPrime
		if i == 0 {
			clientPrime = hPrime
		} else if clientPrime, err = clientPrime.Compose(hPrime); err != nil {
			return s.reject(err)
		}
	}

	revID := current + 1
	if err := s.doc.ApplyAt(c, revID); err != nil {
		return s.reject(err)
	}
	serverPrime := revision.New(s.docID, current, revID, c, revision.OriginRemote)
	s.commit(ctx, serverPrime)
	s.metrics.RevisionApplied(monitoring.OutcomeTransformed)

	// r may span several client revisions, so the reply follows the server
	// numbering and InReplyTo names the revision it settles
	reply := revision.New(s.docID, current, revID, clientPrime, revision.OriginRemote)
	return []Outbound{
		{To: ToSender, Message: protocol.Reply(s.docID, reply, r.RevID, s.doc.Checksum())},
		s.push(ToOthers, serverPrime),
	}, nil
}

// reject answers an unappliable revision with the authoritative content.
func (s *Synchronizer) reject(err error) ([]Outbound, error) {
	s.metrics.RevisionApplied(monitoring.OutcomeRejected)
	return []Outbound{s.snapshot()}, err
}

func (s *Synchronizer) commit(ctx context.Context, r revision.Revision) {
	s.history.Add(r, revision.StateAcknowledged, true)
	s.rev.Store(r.RevID)

	s.sinceSnapshot++
	if s.opts.SnapshotEvery > 0 && s.sinceSnapshot >= s.opts.SnapshotEvery {
		s.saveSnapshot(ctx)
	}
}

func (s *Synchronizer) saveSnapshot(ctx context.Context) {
	err := s.store.SaveSnapshot(ctx, s.docID, s.doc.CurrentRevID(), s.doc.CurrentDelta())
	if err != nil {
		s.metrics.PersistenceFailure()
		s.logger.WithError(err).WithField("action", "snapshot").Error("failed to save snapshot")
		return
	}
	s.sinceSnapshot = 0
}

// connect brings a (re)connecting session level with the server.
func (s *Synchronizer) connect(ctx context.Context, clientRev int64) []Outbound {
	current := s.doc.CurrentRevID()
	log := s.logger.WithFields(logrus.Fields{
		"action":  "connect",
		"rev_id":  clientRev,
		"current": current,
	})
	switch {
	case clientRev == current:
		return []Outbound{s.ack(current)}
	case clientRev > current:
		log.Warn("client ahead of server, pulling")
		return []Outbound{{To: ToSender, Message: protocol.PullRev(revision.NewRange(s.docID, current+1, clientRev))}}
	}

	revs, err := s.history.RecoverRange(ctx, revision.NewRange(s.docID, clientRev+1, current))
	if err != nil {
		log.WithError(err).Warn("history unavailable, sending snapshot")
		return []Outbound{s.snapshot()}
	}
	return []Outbound{s.push(ToSender, revs...)}
}

// pull answers a session asking for a range. A range starting at the
// first revision asks for the whole document and gets a snapshot.
func (s *Synchronizer) pull(ctx context.Context, rng revision.Range) []Outbound {
	current := s.doc.CurrentRevID()
	if rng.Start <= 1 || rng.End > current {
		return []Outbound{s.snapshot()}
	}
	revs, err := s.history.RecoverRange(ctx, rng)
	if err != nil {
		s.logger.WithError(err).WithField("range", rng.String()).Warn("pull unavailable, sending snapshot")
		return []Outbound{s.snapshot()}
	}
	msg := protocol.PushRev(s.docID, revs...)
	if rng.End == current {
		msg.Checksum = s.doc.Checksum()
	}
	return []Outbound{{To: ToSender, Message: msg}}
}

// State is a consistent view of the document.
type State struct {
	DocID    string      `json:"doc_id"`
	RevID    int64       `json:"rev_id"`
	Text     string      `json:"text"`
	Content  delta.Delta `json:"content"`
	Checksum string      `json:"checksum"`
}

func (s *Synchronizer) State(ctx context.Context) (State, error) {
	if err := s.acquire(ctx); err != nil {
		return State{}, err
	}
	defer s.release()
	return State{
		DocID:    s.docID,
		RevID:    s.doc.CurrentRevID(),
		Text:     s.doc.PlainText(),
		Content:  s.doc.CurrentDelta(),
		Checksum: s.doc.Checksum(),
	}, nil
}

// Revisions returns the server history in rng.
func (s *Synchronizer) Revisions(ctx context.Context, rng revision.Range) ([]revision.Revision, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	if rng.End > s.doc.CurrentRevID() {
		rng.End = s.doc.CurrentRevID()
	}
	return s.history.RecoverRange(ctx, rng)
}

// Close flushes the history and saves a final snapshot.
func (s *Synchronizer) Close(ctx context.Context) error {
	return s.close(ctx, true)
}

// close without a snapshot leaves the stored document untouched, which
// read-only views need since a room may have opened the same document.
func (s *Synchronizer) close(ctx context.Context, snapshot bool) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "close")
	}
	defer s.release()

	err := s.history.Close(ctx)
	if snapshot && s.sinceSnapshot > 0 {
		s.saveSnapshot(ctx)
	}
	return err
}
