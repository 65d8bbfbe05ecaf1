package room

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"

	"collab-sync/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Session is one connected replica of a room's document.
type Session struct {
	ID   string          `json:"id"`
	Conn *websocket.Conn `json:"-"`
	Room *Room           `json:"-"`
	Send chan []byte     `json:"-"`
}

// NewSession creates a session with a buffered send queue.
func NewSession(id string, conn *websocket.Conn) *Session {
	return &Session{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, 256),
	}
}

// Room fans the synchronizer's output out to the sessions editing one
// document.
type Room struct {
	ID         string
	Sync       *Synchronizer
	Sessions   map[string]*Session
	Unregister chan *Session

	mutex   sync.RWMutex
	logger  logrus.FieldLogger
	onEmpty func(*Room)
	quit    chan struct{}
	done    chan struct{}
}

func newRoom(syncer *Synchronizer, logger logrus.FieldLogger, onEmpty func(*Room)) *Room {
	r := &Room{
		ID:         syncer.DocID(),
		Sync:       syncer,
		Sessions:   make(map[string]*Session),
		Unregister: make(chan *Session),
		logger:     logger.WithField("doc_id", syncer.DocID()),
		onEmpty:    onEmpty,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// run handles session departures
func (r *Room) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Errorf("panic in room.run\n%s", debug.Stack())
		}
	}()

	for {
		select {
		case s := <-r.Unregister:
			r.mutex.Lock()
			if _, ok := r.Sessions[s.ID]; ok {
				delete(r.Sessions, s.ID)
				close(s.Send)
			}
			left := len(r.Sessions)
			r.mutex.Unlock()

			r.logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"sessions":   left,
			}).Info("session left")
			if left == 0 && r.onEmpty != nil {
				go r.onEmpty(r)
			}

		case <-r.quit:
			return
		}
	}
}

func (r *Room) register(s *Session) {
	s.Room = r
	r.mutex.Lock()
	r.Sessions[s.ID] = s
	n := len(r.Sessions)
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"sessions":   n,
	}).Info("session joined")
}

// Leave queues s for removal. It is safe to call more than once.
func (r *Room) Leave(s *Session) {
	select {
	case r.Unregister <- s:
	case <-r.quit:
	}
}

// SessionCount returns the number of sessions in the room.
func (r *Room) SessionCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.Sessions)
}

// SessionIDs returns the ids of the connected sessions.
func (r *Room) SessionIDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	ids := make([]string, 0, len(r.Sessions))
	for id := range r.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle runs msg from s through the synchronizer and delivers the result.
func (r *Room) Handle(ctx context.Context, s *Session, msg protocol.Message) error {
	return r.Sync.HandleFunc(ctx, msg, func(out []Outbound) {
		r.deliver(s, out)
	})
}

func (r *Room) deliver(from *Session, out []Outbound) {
	for _, o := range out {
		data, err := o.Message.Encode()
		if err != nil {
			r.logger.WithError(err).Error("failed to encode message")
			continue
		}

		r.mutex.RLock()
		for id, s := range r.Sessions {
			if (o.To == ToSender) != (id == from.ID) {
				continue
			}
			select {
			case s.Send <- data:
			default:
				// drop on slow session
				r.logger.WithField("session_id", id).Warn("session send queue full, disconnecting")
				go r.Leave(s)
			}
		}
		r.mutex.RUnlock()
	}
}

// close stops the run loop and disconnects every session.
func (r *Room) close(ctx context.Context) error {
	close(r.quit)
	<-r.done

	r.mutex.Lock()
	for id, s := range r.Sessions {
		delete(r.Sessions, id)
		close(s.Send)
	}
	r.mutex.Unlock()

	return r.Sync.Close(ctx)
}
