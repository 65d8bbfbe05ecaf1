package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/protocol"
	"collab-sync/pkg/revision"
	"collab-sync/pkg/room"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	roomManager *room.RoomManager
	logger      logrus.FieldLogger
}

// NewHandlers creates a new handlers instance
func NewHandlers(roomManager *room.RoomManager, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		roomManager: roomManager,
		logger:      logger,
	}
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// HandleWebSocket joins the connection to the room of its document
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docId"]

	sessionID := r.URL.Query().Get("session")
	if _, err := uuid.Parse(sessionID); err != nil {
		sessionID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := room.NewSession(sessionID, conn)
	rm, err := h.roomManager.Join(r.Context(), docID, session)
	if err != nil {
		h.logger.WithError(err).WithField("doc_id", docID).Error("failed to open room")
		conn.Close()
		return
	}

	go h.writePump(session)
	go h.readPump(rm, session)
}

// readPump feeds protocol messages from the connection to the room
func (h *Handlers) readPump(rm *room.Room, s *room.Session) {
	log := h.logger.WithFields(logrus.Fields{"doc_id": rm.ID, "session_id": s.ID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("panic in readPump\n%s", debug.Stack())
		}
		rm.Leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("websocket closed unexpectedly")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.WithError(err).Warn("dropping invalid message")
			continue
		}
		if msg.DocID != rm.ID {
			log.WithField("msg_doc_id", msg.DocID).Warn("dropping message for another document")
			continue
		}
		if err := rm.Handle(context.Background(), s, msg); err != nil {
			log.WithError(err).WithField("type", msg.Kind).Warn("message not handled")
		}
	}
}

// writePump drains the session queue to the connection and keeps it alive
func (h *Handlers) writePump(s *room.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// channel closed: send close and return
				_ = s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.WithError(err).WithField("session_id", s.ID).Debug("websocket write failed")
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetDocument returns the materialized document
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	var state room.State
	err := h.roomManager.View(r.Context(), docID, func(s *room.Synchronizer) error {
		var err error
		state, err = s.State(r.Context())
		return err
	})
	if err != nil {
		h.httpError(w, err, "Failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetRevisions returns the revisions from..to of a document
func (h *Handlers) GetRevisions(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	from, err := queryInt(r, "from", 1)
	if err != nil {
		http.Error(w, "Invalid from", http.StatusBadRequest)
		return
	}
	to, err := queryInt(r, "to", -1)
	if err != nil {
		http.Error(w, "Invalid to", http.StatusBadRequest)
		return
	}

	var revs []revision.Revision
	err = h.roomManager.View(r.Context(), docID, func(s *room.Synchronizer) error {
		end := to
		if end < 0 {
			end = s.RevID()
		}
		rng := revision.NewRange(docID, from, end)
		if from < 1 || rng.Len() == 0 {
			return nil
		}
		var err error
		revs, err = s.Revisions(r.Context(), rng)
		return err
	})
	if err != nil {
		h.httpError(w, err, "Failed to get revisions")
		return
	}
	if revs == nil {
		revs = []revision.Revision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// ListDocuments returns the stored document snapshots
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.roomManager.Store.ListDocuments(r.Context())
	if err != nil {
		h.httpError(w, err, "Failed to list documents")
		return
	}
	if docs == nil {
		docs = []*db.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// DeleteDocument removes a document that nobody is editing
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	if _, open := h.roomManager.Room(docID); open {
		http.Error(w, "Document is being edited", http.StatusConflict)
		return
	}
	if err := h.roomManager.Store.DeleteDocument(r.Context(), docID); err != nil {
		h.httpError(w, err, "Failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRoomSessions returns the sessions connected to a document
func (h *Handlers) GetRoomSessions(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]
	ids := []string{}
	if rm, ok := h.roomManager.Room(docID); ok {
		ids = rm.SessionIDs()
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handlers) httpError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, db.ErrDocumentNotFound):
		http.Error(w, "Document not found", http.StatusNotFound)
	case errors.Is(err, room.ErrLockTimeout):
		http.Error(w, "Document busy", http.StatusServiceUnavailable)
	default:
		h.logger.WithError(err).Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
