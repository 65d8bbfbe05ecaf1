// Package cache keeps the recent revisions of one document in memory and
// writes them behind to a durable store.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/monitoring"
	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCacheIntegrity is returned when neither memory nor disk holds a
	// gap-free chain for a requested range.
	ErrCacheIntegrity = errors.New("revision cache integrity failure")
	// ErrPersistence is returned by Flush when the durable store rejects a
	// write. Everything unwritten stays queued for the next flush.
	ErrPersistence = errors.New("revision persistence failed")
)

const maxRevID = int64(1) << 62

type Options struct {
	FlushInterval    time.Duration
	CompactThreshold int
	MemoryCapacity   int
}

func DefaultOptions() Options {
	return Options{
		FlushInterval:    600 * time.Millisecond,
		CompactThreshold: 5,
		MemoryCapacity:   512,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.CompactThreshold <= 1 {
		o.CompactThreshold = d.CompactThreshold
	}
	if o.MemoryCapacity <= 0 {
		o.MemoryCapacity = d.MemoryCapacity
	}
	return o
}

// Cache is safe for concurrent use.
type Cache struct {
	docID   string
	store   db.DurableStore
	opts    Options
	logger  logrus.FieldLogger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	records []revision.Record // sorted by RevID
	dirty   map[int64]struct{}
	// ranges replaced in memory whose rows are not yet replaced on disk,
	// in the order they were replaced
	replaced []revision.Range

	// flushMu serializes everything that writes to the store.
	flushMu  sync.Mutex
	failures int

	stop chan struct{}
	done chan struct{}
}

func New(docID string, store db.DurableStore, opts Options, logger logrus.FieldLogger,
	metrics *monitoring.Metrics,
) *Cache {
	return &Cache{
		docID:   docID,
		store:   store,
		opts:    opts.withDefaults(),
		logger:  logger.WithField("doc_id", docID),
		metrics: metrics,
		dirty:   make(map[int64]struct{}),
	}
}

func (c *Cache) DocID() string { return c.docID }

// Threshold is the pending run length that triggers compaction.
func (c *Cache) Threshold() int { return c.opts.CompactThreshold }

func (c *Cache) index(revID int64) (int, bool) {
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].RevID >= revID })
	return i, i < len(c.records) && c.records[i].RevID == revID
}

func (c *Cache) insertLocked(rec revision.Record) {
	i, found := c.index(rec.RevID)
	if found {
		c.records[i] = rec
	} else {
		c.records = append(c.records, revision.Record{})
		copy(c.records[i+1:], c.records[i:])
		c.records[i] = rec
	}
	if rec.Persist {
		c.dirty[rec.RevID] = struct{}{}
	}
}

// Add stores rev in memory and schedules it for persistence. A rev_id that
// is already cached is left untouched and Add returns false.
func (c *Cache) Add(rev revision.Revision, state revision.State, persist bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.index(rev.RevID); found {
		c.logger.WithFields(logrus.Fields{
			"action": "cache_add",
			"rev_id": rev.RevID,
		}).Warn("duplicate revision ignored")
		return false
	}
	c.insertLocked(revision.Record{Revision: rev, State: state, Persist: persist})
	c.evictLocked()
	return true
}

// Get looks in memory, then on disk.
func (c *Cache) Get(ctx context.Context, revID int64) (revision.Record, bool, error) {
	c.mu.Lock()
	if i, found := c.index(revID); found {
		rec := c.records[i]
		c.mu.Unlock()
		return rec, true, nil
	}
	stale := c.replacedLocked(revID)
	c.mu.Unlock()
	if stale {
		return revision.Record{}, false, nil
	}

	rec, err := c.store.ReadRevision(ctx, c.docID, revID)
	if errors.Is(err, db.ErrRevisionNotFound) {
		return revision.Record{}, false, nil
	}
	if err != nil {
		return revision.Record{}, false, errors.Wrapf(err, "read revision %d", revID)
	}
	return rec, true, nil
}

func inRange(rec revision.Record, rng revision.Range) bool {
	return rec.BaseRevID >= rng.Start-1 && rec.RevID <= rng.End
}

// replacedLocked reports whether the disk row of revID is waiting to be
// replaced and so no longer describes the history.
func (c *Cache) replacedLocked(revID int64) bool {
	for _, rng := range c.replaced {
		if rng.Contains(revID) {
			return true
		}
	}
	return false
}

// RevisionsInRange returns a gap-free chain covering rng. Memory is tried
// first and disk rows fill what memory lacks.
func (c *Cache) RevisionsInRange(ctx context.Context, rng revision.Range) ([]revision.Revision, error) {
	if rng.Len() == 0 {
		return nil, nil
	}

	c.mu.Lock()
	byID := make(map[int64]revision.Revision)
	for _, rec := range c.records {
		if inRange(rec, rng) {
			byID[rec.RevID] = rec.Revision
		}
	}
	replaced := append([]revision.Range(nil), c.replaced...)
	c.mu.Unlock()

	revs := sortedRevisions(byID)
	if revision.Covers(revs, rng) {
		return revs, nil
	}

	rows, err := c.store.ReadRange(ctx, c.docID, rng.Start, rng.End)
	if err != nil {
		return nil, errors.Wrapf(err, "read range %s", rng)
	}
scan:
	for _, rec := range rows {
		// rows waiting to be replaced no longer describe the history
		for _, r := range replaced {
			if r.Contains(rec.RevID) {
				continue scan
			}
		}
		if _, ok := byID[rec.RevID]; !ok && inRange(rec, rng) {
			byID[rec.RevID] = rec.Revision
		}
	}
	revs = sortedRevisions(byID)
	if revision.Covers(revs, rng) {
		return revs, nil
	}

	c.metrics.CacheIntegrityError()
	c.logger.WithFields(logrus.Fields{
		"action": "range",
		"range":  rng.String(),
		"found":  len(revs),
	}).Error("revision range has gaps in memory and on disk")
	return nil, errors.Wrapf(ErrCacheIntegrity, "range %s", rng)
}

// RecoverRange is RevisionsInRange with one retry after an integrity
// failure, once memory has been rebuilt from disk.
func (c *Cache) RecoverRange(ctx context.Context, rng revision.Range) ([]revision.Revision, error) {
	revs, err := c.RevisionsInRange(ctx, rng)
	if !errors.Is(err, ErrCacheIntegrity) {
		return revs, err
	}
	if rerr := c.Reload(ctx); rerr != nil {
		c.logger.WithError(rerr).WithField("range", rng.String()).Warn("reload after integrity failure failed")
		return nil, err
	}
	return c.RevisionsInRange(ctx, rng)
}

func sortedRevisions(byID map[int64]revision.Revision) []revision.Revision {
	revs := make([]revision.Revision, 0, len(byID))
	for _, r := range byID {
		revs = append(revs, r)
	}
	revision.Sort(revs)
	return revs
}

// Ack marks every pending record with rev_id <= revID acknowledged and
// returns how many changed.
func (c *Cache) Ack(revID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.records {
		rec := &c.records[i]
		if rec.RevID > revID {
			break
		}
		if rec.State != revision.StatePending {
			continue
		}
		rec.State = revision.StateAcknowledged
		if rec.Persist {
			c.dirty[rec.RevID] = struct{}{}
		}
		n++
	}
	if n > 0 {
		c.evictLocked()
	}
	return n
}

// Pending returns the unacknowledged records in rev_id order.
func (c *Cache) Pending() []revision.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []revision.Record
	for _, rec := range c.records {
		if rec.State == revision.StatePending {
			out = append(out, rec)
		}
	}
	return out
}

// Latest returns the record with the highest rev_id held in memory.
func (c *Cache) Latest() (revision.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		return revision.Record{}, false
	}
	return c.records[len(c.records)-1], true
}

// Len is the number of records held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Compact replaces the records in rng by merged.
func (c *Cache) Compact(ctx context.Context, rng revision.Range, merged revision.Record) error {
	if merged.BaseRevID != rng.Start-1 || merged.RevID != rng.End {
		return errors.Wrapf(revision.ErrInvalid, "merged %d..%d does not span %s",
			merged.BaseRevID, merged.RevID, rng)
	}
	if err := c.Replace(ctx, rng, []revision.Record{merged}); err != nil {
		return err
	}
	c.metrics.Compacted()
	return nil
}

// Replace swaps every record whose rev_id lies in rng for records. Memory
// changes at once; the disk rows are replaced by the next flush, and a
// failed write is retried by the flush loop.
func (c *Cache) Replace(ctx context.Context, rng revision.Range, records []revision.Record) error {
	for _, rec := range records {
		if rec.DocID != c.docID || !rng.Contains(rec.RevID) {
			return errors.Wrapf(revision.ErrInvalid, "record %s outside %s", rec.Revision, rng)
		}
	}

	c.mu.Lock()
	kept := c.records[:0]
	for _, rec := range c.records {
		if rng.Contains(rec.RevID) {
			delete(c.dirty, rec.RevID)
			continue
		}
		kept = append(kept, rec)
	}
	c.records = kept
	for _, rec := range records {
		c.insertLocked(rec)
	}
	c.replaced = append(c.replaced, rng)
	c.evictLocked()
	c.mu.Unlock()

	// failures are counted and logged by Flush
	_ = c.Flush(ctx)
	return nil
}

// CompactPending merges the trailing run of chained pending records after
// afterRevID once the run reaches the compaction threshold. It returns the
// merged record when it compacted.
func (c *Cache) CompactPending(ctx context.Context, afterRevID int64) (revision.Record, bool, error) {
	c.mu.Lock()
	var run []revision.Revision
	for i := len(c.records) - 1; i >= 0; i-- {
		rec := c.records[i]
		if rec.RevID <= afterRevID || rec.State != revision.StatePending {
			break
		}
		if len(run) > 0 {
			next := run[0]
			if next.BaseRevID != rec.RevID || next.Origin != rec.Origin {
				break
			}
		}
		run = append([]revision.Revision{rec.Revision}, run...)
	}
	persist := true
	if len(run) > 0 {
		i, _ := c.index(run[0].RevID)
		persist = c.records[i].Persist
	}
	c.mu.Unlock()

	if len(run) < c.opts.CompactThreshold {
		return revision.Record{}, false, nil
	}
	merged, err := revision.Merge(run)
	if err != nil {
		return revision.Record{}, false, err
	}
	rec := revision.Record{Revision: merged, State: revision.StatePending, Persist: persist}
	rng := revision.NewRange(c.docID, merged.BaseRevID+1, merged.RevID)
	if err := c.Compact(ctx, rng, rec); err != nil {
		return revision.Record{}, false, err
	}
	c.logger.WithFields(logrus.Fields{
		"action": "compact",
		"range":  rng.String(),
		"merged": len(run),
	}).Debug("compacted pending revisions")
	return rec, true, nil
}

// Reset replaces the whole history of the document. Like Replace it never
// fails on the store.
func (c *Cache) Reset(ctx context.Context, records []revision.Record) error {
	for _, rec := range records {
		if rec.DocID != c.docID {
			return errors.Wrapf(revision.ErrInvalid, "record %s of another document", rec.Revision)
		}
	}

	c.mu.Lock()
	c.records = nil
	c.dirty = make(map[int64]struct{})
	for _, rec := range records {
		c.insertLocked(rec)
	}
	c.replaced = append(c.replaced, revision.NewRange(c.docID, 0, maxRevID))
	c.evictLocked()
	c.mu.Unlock()

	_ = c.Flush(ctx)
	return nil
}

// Reload flushes what it can and then rebuilds memory from disk, which is
// authoritative after an integrity failure.
func (c *Cache) Reload(ctx context.Context) error {
	if err := c.Flush(ctx); err != nil {
		return err
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	rows, err := c.store.ReadAll(ctx, c.docID)
	if err != nil {
		return errors.Wrap(err, "reload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.dirty = make(map[int64]struct{})
	c.replaced = nil
	for _, rec := range rows {
		c.insertLocked(rec)
		delete(c.dirty, rec.RevID)
	}
	c.evictLocked()
	c.logger.WithField("records", len(rows)).Info("revision cache reloaded from disk")
	return nil
}

type rangeWrite struct {
	rng     revision.Range
	records []revision.Record
}

// Flush replaces the pending disk ranges with what memory holds for them
// and then writes every dirty record.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	ranges := make([]rangeWrite, len(c.replaced))
	for i, rng := range c.replaced {
		ranges[i] = rangeWrite{rng: rng, records: c.persistedLocked(rng)}
	}
	batch := make([]revision.Record, 0, len(c.dirty))
	for id := range c.dirty {
		if i, found := c.index(id); found {
			batch = append(batch, c.records[i])
		} else {
			delete(c.dirty, id)
		}
	}
	c.mu.Unlock()

	if len(ranges) == 0 && len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := c.write(ctx, ranges, batch)
	c.metrics.ObserveFlush(time.Since(start).Seconds())
	if err != nil {
		c.persistFailed(err)
		return errors.Wrap(ErrPersistence, err.Error())
	}
	c.failures = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	// Replace and Reset only append, so the written ranges are a prefix
	c.replaced = c.replaced[len(ranges):]
	for _, written := range batch {
		i, found := c.index(written.RevID)
		if !found {
			continue
		}
		cur := c.records[i]
		// changed again while the write was in flight
		if cur.State != written.State || cur.Checksum != written.Checksum {
			continue
		}
		delete(c.dirty, written.RevID)
	}
	c.evictLocked()
	return nil
}

// write replays the ranges in order. Each carries the current memory state
// for its span, so replaying one twice is harmless.
func (c *Cache) write(ctx context.Context, ranges []rangeWrite, batch []revision.Record) error {
	for _, w := range ranges {
		if err := c.store.ReplaceRange(ctx, c.docID, w.rng.Start, w.rng.End, w.records); err != nil {
			return errors.Wrapf(err, "replace %s", w.rng)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return c.store.InsertRecords(ctx, batch)
}

func (c *Cache) persistedLocked(rng revision.Range) []revision.Record {
	var out []revision.Record
	for _, rec := range c.records {
		if rec.Persist && rng.Contains(rec.RevID) {
			out = append(out, rec)
		}
	}
	return out
}

// caller holds flushMu
func (c *Cache) persistFailed(err error) {
	c.failures++
	c.metrics.PersistenceFailure()
	c.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "flush",
		"failures": c.failures,
	}).Error("failed to persist revisions")
}

// ConsecutiveFailures is the number of store writes that failed since the
// last successful flush.
func (c *Cache) ConsecutiveFailures() int {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.failures
}

// Dirty is the number of records waiting to be flushed.
func (c *Cache) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// evictLocked drops the oldest flushed acknowledged records until memory
// is back within capacity.
func (c *Cache) evictLocked() {
	excess := len(c.records) - c.opts.MemoryCapacity
	if excess <= 0 {
		return
	}
	kept := c.records[:0]
	for _, rec := range c.records {
		_, dirty := c.dirty[rec.RevID]
		if excess > 0 && rec.Persist && !dirty && rec.State == revision.StateAcknowledged &&
			!c.replacedLocked(rec.RevID) {
			excess--
			continue
		}
		kept = append(kept, rec)
	}
	c.records = kept
}

// Start launches the write-behind loop.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.flushLoop(c.stop, c.done)
}

func (c *Cache) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushInterval*4)
			// failures are logged and retried on the next tick
			_ = c.Flush(ctx)
			cancel()
		}
	}
}

// Close stops the write-behind loop and flushes once more.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return c.Flush(ctx)
}
