package room

import (
	"context"
	"sync"

	"collab-sync/pkg/db"
	"collab-sync/pkg/monitoring"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by a manager that has been shut down.
var ErrClosed = errors.New("room manager closed")

// RoomManager owns the open rooms, one per document id. A room is opened
// when its first session joins and closed when its last session leaves.
type RoomManager struct {
	rooms   map[string]*Room
	mutex   sync.Mutex
	closed  bool
	Store   db.Store
	opts    Options
	logger  logrus.FieldLogger
	metrics *monitoring.Metrics
}

// NewRoomManager creates a new room manager
func NewRoomManager(store db.Store, opts Options, logger logrus.FieldLogger, metrics *monitoring.Metrics) *RoomManager {
	return &RoomManager{
		rooms:   make(map[string]*Room),
		Store:   store,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// caller holds rm.mutex
func (rm *RoomManager) getOrOpen(ctx context.Context, docID string) (*Room, error) {
	if rm.closed {
		return nil, ErrClosed
	}
	if r, ok := rm.rooms[docID]; ok {
		return r, nil
	}
	syncer, err := OpenSynchronizer(ctx, docID, rm.Store, rm.opts, rm.logger, rm.metrics)
	if err != nil {
		return nil, err
	}
	r := newRoom(syncer, rm.logger, rm.release)
	rm.rooms[docID] = r
	rm.metrics.DocumentOpened()
	return r, nil
}

// Join adds s to the room of docID, opening it if needed.
func (rm *RoomManager) Join(ctx context.Context, docID string, s *Session) (*Room, error) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	r, err := rm.getOrOpen(ctx, docID)
	if err != nil {
		return nil, err
	}
	r.register(s)
	return r, nil
}

// Room returns the open room of docID.
func (rm *RoomManager) Room(docID string) (*Room, bool) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	r, ok := rm.rooms[docID]
	return r, ok
}

// View runs fn against the synchronizer of docID. A document without an
// open room is opened for the call and closed afterwards.
func (rm *RoomManager) View(ctx context.Context, docID string, fn func(*Synchronizer) error) error {
	rm.mutex.Lock()
	if r, ok := rm.rooms[docID]; ok {
		rm.mutex.Unlock()
		return fn(r.Sync)
	}
	if rm.closed {
		rm.mutex.Unlock()
		return ErrClosed
	}
	rm.mutex.Unlock()

	syncer, err := OpenSynchronizer(ctx, docID, rm.Store, rm.opts, rm.logger, rm.metrics)
	if err != nil {
		return err
	}
	err = fn(syncer)
	if cerr := syncer.close(ctx, false); cerr != nil {
		err = multierror.Append(err, cerr).ErrorOrNil()
	}
	return err
}

// release evicts r if it is still empty.
func (rm *RoomManager) release(r *Room) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.rooms[r.ID] != r || r.SessionCount() > 0 {
		return
	}
	delete(rm.rooms, r.ID)
	rm.metrics.DocumentClosed()

	if err := r.close(context.Background()); err != nil {
		rm.logger.WithError(err).WithField("doc_id", r.ID).Error("failed to close room")
		return
	}
	rm.logger.WithField("doc_id", r.ID).Info("room evicted")
}

// Len returns the number of open rooms.
func (rm *RoomManager) Len() int {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	return len(rm.rooms)
}

// Close closes every room concurrently and reports all failures.
func (rm *RoomManager) Close(ctx context.Context) error {
	rm.mutex.Lock()
	rm.closed = true
	rooms := rm.rooms
	rm.rooms = make(map[string]*Room)
	rm.mutex.Unlock()

	list := make([]*Room, 0, len(rooms))
	for _, r := range rooms {
		list = append(list, r)
	}
	// one room failing must not cancel the flush of the others
	var g errgroup.Group
	errs := make([]error, len(list))
	for i, r := range list {
		i, r := i, r
		g.Go(func() error {
			defer rm.metrics.DocumentClosed()
			if err := r.close(ctx); err != nil {
				errs[i] = errors.Wrapf(err, "close %s", r.ID)
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
