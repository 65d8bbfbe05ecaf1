package client

import (
	"context"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/protocol"
	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func (c *Controller) localEdit(ctx context.Context, d delta.Delta) error {
	base := c.doc.CurrentRevID()
	if err := c.doc.Apply(d); err != nil {
		return err
	}
	rev := revision.New(c.docID, base, base+1, d, revision.OriginLocal)
	if !c.cache.Add(rev, revision.StatePending, true) {
		return errors.Wrapf(revision.ErrInvalid, "revision %d already cached", rev.RevID)
	}

	if c.inflight == nil {
		return c.sendNext(ctx)
	}
	if _, _, err := c.cache.CompactPending(ctx, c.inflight.RevID); err != nil {
		c.logger.WithError(err).Warn("failed to compact pending revisions")
	}
	return nil
}

// sendNext sends every pending revision as one.
func (c *Controller) sendNext(ctx context.Context) error {
	pending := c.cache.Pending()
	if len(pending) == 0 {
		c.inflight = nil
		return nil
	}

	next := pending[0].Revision
	if len(pending) > 1 {
		revs := make([]revision.Revision, len(pending))
		for i, rec := range pending {
			revs[i] = rec.Revision
		}
		merged, err := revision.Merge(revs)
		if err != nil {
			return err
		}
		rng := revision.NewRange(c.docID, merged.BaseRevID+1, merged.RevID)
		rec := revision.Record{Revision: merged, State: revision.StatePending, Persist: true}
		if err := c.cache.Compact(ctx, rng, rec); err != nil {
			return err
		}
		next = merged
	}

	c.inflight = &next
	return c.send(ctx, next)
}

// send pushes rev. A failed send leaves it in flight until the next Connect.
func (c *Controller) send(ctx context.Context, rev revision.Revision) error {
	c.sentID = rev.RevID
	if err := c.transport.Send(ctx, protocol.PushRev(c.docID, rev)); err != nil {
		c.logger.WithError(err).WithField("rev_id", rev.RevID).Warn("failed to send revision, will resend on reconnect")
	}
	return nil
}

func (c *Controller) handleAck(ctx context.Context, msg protocol.Message) error {
	if c.inflight == nil || msg.RevID < c.inflight.RevID {
		c.logger.WithFields(logrus.Fields{
			"action":     "ack",
			"rev_id":     msg.RevID,
			"server_rev": c.serverRev,
		}).Debug("ack settles nothing")
		return nil
	}

	// buffered revisions numbered after the in-flight one stay pending
	c.cache.Ack(c.inflight.RevID)
	c.serverRev = c.inflight.RevID
	c.inflight = nil
	if err := c.sendNext(ctx); err != nil {
		return err
	}
	if msg.RevID == c.serverRev {
		return c.verify(ctx, msg.Checksum)
	}
	return nil
}

func (c *Controller) handlePush(ctx context.Context, msg protocol.Message) error {
	if msg.Reset {
		return c.reset(ctx, msg.Revisions[0], msg.Checksum)
	}
	if len(msg.Revisions) == 0 {
		return nil
	}
	if msg.InReplyTo != 0 {
		return c.handleReply(ctx, msg)
	}

	for _, x := range msg.Revisions {
		log := c.logger.WithFields(logrus.Fields{
			"action":     "push",
			"rev_id":     x.RevID,
			"base":       x.BaseRevID,
			"server_rev": c.serverRev,
		})
		switch {
		case x.RevID <= c.serverRev:
			log.Debug("revision already integrated")
			continue
		case x.BaseRevID > c.serverRev:
			log.Info("missed server revisions, pulling")
			return c.pull(ctx, revision.NewRange(c.docID, c.serverRev+1, x.BaseRevID))
		case x.BaseRevID < c.serverRev:
			return c.resync(ctx, "revision straddles the local server revision")
		}

		if c.isOwn(x) {
			log.Warn("own revision delivered back, treating as acknowledged")
			c.cache.Ack(x.RevID)
			c.serverRev = x.RevID
			c.inflight = nil
			continue
		}

		if err := c.integrate(ctx, x); err != nil {
			log.WithError(err).Error("failed to integrate remote revision")
			return c.resync(ctx, "integration failed")
		}
	}

	if c.inflight == nil {
		if err := c.sendNext(ctx); err != nil {
			return err
		}
	}
	if last := msg.Revisions[len(msg.Revisions)-1]; last.RevID == c.serverRev {
		return c.verify(ctx, msg.Checksum)
	}
	return nil
}

func (c *Controller) isOwn(x revision.Revision) bool {
	return c.inflight != nil && x.RevID == c.inflight.RevID &&
		x.BaseRevID == c.inflight.BaseRevID && x.Checksum == c.inflight.Checksum
}

// integrate applies the server revision x, which was based on serverRev.
// Pending revisions are rebased after it and renumbered to follow it.
func (c *Controller) integrate(ctx context.Context, x revision.Revision) error {
	xd, err := x.Delta()
	if err != nil {
		return err
	}
	pending := c.cache.Pending()
	remote := revision.Record{Revision: x.WithOrigin(revision.OriginRemote), State: revision.StateAcknowledged, Persist: true}

	if len(pending) == 0 {
		if err := c.doc.ApplyAt(xd, x.RevID); err != nil {
			return err
		}
		c.cache.Add(remote.Revision, remote.State, remote.Persist)
		c.serverRev = x.RevID
		return nil
	}

	var inflight, buffer *delta.Delta
	rest := pending
	if c.inflight != nil {
		d, err := pending[0].Delta()
		if err != nil {
			return err
		}
		inflight, rest = &d, pending[1:]
	}
	if len(rest) > 0 {
		revs := make([]revision.Revision, len(rest))
		for i, rec := range rest {
			revs[i] = rec.Revision
		}
		merged, err := revision.Merge(revs)
		if err != nil {
			return err
		}
		d, err := merged.Delta()
		if err != nil {
			return err
		}
		buffer = &d
	}

	// x is the left argument on both sides of the wire
	records := []revision.Record{remote}
	next := x.RevID
	mint := func(d delta.Delta) revision.Revision {
		r := revision.New(c.docID, next, next+1, d, revision.OriginLocal)
		records = append(records, revision.Record{Revision: r, State: revision.StatePending, Persist: true})
		next++
		return r
	}

	var rebasedInflight *revision.Revision
	if inflight != nil {
		var iPrime delta.Delta
		if xd, iPrime, err = xd.Transform(*inflight); err != nil {
			return err
		}
		r := mint(iPrime)
		rebasedInflight = &r
	}
	if buffer != nil {
		var bPrime delta.Delta
		if xd, bPrime, err = xd.Transform(*buffer); err != nil {
			return err
		}
		mint(bPrime)
	}
	content, err := c.doc.CurrentDelta().Compose(xd)
	if err != nil {
		return err
	}

	end := c.doc.CurrentRevID()
	if next > end {
		end = next
	}
	if err := c.cache.Replace(ctx, revision.NewRange(c.docID, c.serverRev+1, end), records); err != nil {
		return err
	}
	if err := c.doc.Reset(content, next); err != nil {
		return err
	}
	c.serverRev = x.RevID
	if rebasedInflight != nil {
		c.inflight = rebasedInflight
	}
	return nil
}

// handleReply settles the in-flight revision the server had to rebase.
func (c *Controller) handleReply(ctx context.Context, msg protocol.Message) error {
	prime := msg.Revisions[0]
	if c.inflight == nil || msg.InReplyTo != c.sentID {
		if prime.RevID <= c.serverRev {
			return nil
		}
		return c.resync(ctx, "reply to a revision not in flight")
	}

	switch {
	case c.serverRev == prime.RevID-1:
		// every revision the server rebased over was integrated here, so
		// the rebased in-flight revision is what the server applied
		c.cache.Ack(prime.RevID)
		c.serverRev = prime.RevID
		c.inflight = nil
		if err := c.sendNext(ctx); err != nil {
			return err
		}
		return c.verify(ctx, msg.Checksum)

	case c.inflight.RevID == c.sentID:
		if err := c.applyPrime(ctx, prime); err != nil {
			c.logger.WithError(err).Error("failed to apply rebased history")
			return c.resync(ctx, "reply could not be applied")
		}
		if err := c.sendNext(ctx); err != nil {
			return err
		}
		return c.verify(ctx, msg.Checksum)
	}
	return c.resync(ctx, "reply covers history only partly integrated")
}

// applyPrime composes the history the server rebased after the in-flight
// revision, which none of the local content has seen yet.
func (c *Controller) applyPrime(ctx context.Context, prime revision.Revision) error {
	cp, err := prime.Delta()
	if err != nil {
		return err
	}
	pending := c.cache.Pending()
	inflightDelta, err := pending[0].Delta()
	if err != nil {
		return err
	}
	settled, err := inflightDelta.Compose(cp)
	if err != nil {
		return err
	}

	records := []revision.Record{{
		Revision: revision.New(c.docID, c.serverRev, prime.RevID, settled, revision.OriginLocal),
		State:    revision.StateAcknowledged,
		Persist:  true,
	}}
	next := prime.RevID
	if rest := pending[1:]; len(rest) > 0 {
		revs := make([]revision.Revision, len(rest))
		for i, rec := range rest {
			revs[i] = rec.Revision
		}
		merged, err := revision.Merge(revs)
		if err != nil {
			return err
		}
		bd, err := merged.Delta()
		if err != nil {
			return err
		}
		var bPrime delta.Delta
		if cp, bPrime, err = cp.Transform(bd); err != nil {
			return err
		}
		records = append(records, revision.Record{
			Revision: revision.New(c.docID, next, next+1, bPrime, revision.OriginLocal),
			State:    revision.StatePending,
			Persist:  true,
		})
		next++
	}
	content, err := c.doc.CurrentDelta().Compose(cp)
	if err != nil {
		return err
	}

	end := c.doc.CurrentRevID()
	if next > end {
		end = next
	}
	if err := c.cache.Replace(ctx, revision.NewRange(c.docID, c.serverRev+1, end), records); err != nil {
		return err
	}
	if err := c.doc.Reset(content, next); err != nil {
		return err
	}
	c.serverRev = prime.RevID
	c.inflight = nil
	return nil
}

// handlePull answers the server with revisions it is missing, followed by
// the in-flight revision when the range stops short of it.
func (c *Controller) handlePull(ctx context.Context, rng revision.Range) error {
	revs, err := c.cache.RecoverRange(ctx, rng)
	if err != nil {
		return c.resync(ctx, "cannot serve pull")
	}
	if err := c.transport.Send(ctx, protocol.PushRev(c.docID, revs...)); err != nil {
		return errors.Wrap(err, "answer pull")
	}
	if c.inflight != nil && c.inflight.RevID > rng.End {
		return c.send(ctx, *c.inflight)
	}
	return nil
}

func (c *Controller) pull(ctx context.Context, rng revision.Range) error {
	if err := c.transport.Send(ctx, protocol.PullRev(rng)); err != nil {
		return errors.Wrap(err, "send pull")
	}
	return nil
}

// resync asks the server for the whole document, which it answers with a
// snapshot.
func (c *Controller) resync(ctx context.Context, reason string) error {
	c.logger.WithFields(logrus.Fields{
		"action":     "resync",
		"server_rev": c.serverRev,
	}).Warn(reason)
	end := c.serverRev
	if end < 1 {
		end = 1
	}
	return c.pull(ctx, revision.NewRange(c.docID, 1, end))
}

// reset adopts the server snapshot. Local pending revisions are discarded.
func (c *Controller) reset(ctx context.Context, snap revision.Revision, checksum string) error {
	content, err := snap.Delta()
	if err != nil {
		return err
	}
	if pending := c.cache.Pending(); len(pending) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":    "reset",
			"discarded": len(pending),
			"rev_id":    snap.RevID,
		}).Warn("server snapshot discards local pending revisions")
	}

	var records []revision.Record
	if snap.RevID > 0 {
		records = append(records, revision.Record{
			Revision: snap.WithOrigin(revision.OriginRemote),
			State:    revision.StateAcknowledged,
			Persist:  true,
		})
	}
	if err := c.cache.Reset(ctx, records); err != nil {
		return err
	}
	if err := c.doc.Reset(content, snap.RevID); err != nil {
		return err
	}
	c.serverRev = snap.RevID
	c.inflight = nil
	c.sentID = 0

	if checksum != "" && c.doc.Checksum() != checksum {
		c.metrics.ChecksumMismatch()
		c.logger.WithField("rev_id", snap.RevID).Error("snapshot does not match its checksum")
	}
	return nil
}

// verify compares the server checksum with the local text when nothing
// local is outstanding.
func (c *Controller) verify(ctx context.Context, checksum string) error {
	if checksum == "" || c.inflight != nil || len(c.cache.Pending()) > 0 {
		return nil
	}
	if c.doc.Checksum() == checksum {
		return nil
	}
	c.metrics.ChecksumMismatch()
	c.logger.WithFields(logrus.Fields{
		"action":     "verify",
		"server_rev": c.serverRev,
	}).Error("content diverged from server")
	return c.resync(ctx, "checksum mismatch")
}
