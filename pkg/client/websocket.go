package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"collab-sync/pkg/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxDialElapsed = time.Minute
)

// WSTransport is a Transport over one websocket connection to a room.
type WSTransport struct {
	SessionID string

	conn       *websocket.Conn
	writeMu    sync.Mutex
	dispatcher *Dispatcher
	logger     logrus.FieldLogger
}

// DialRoom connects to the room of docID at serverURL, retrying with
// exponential backoff until ctx ends or a minute passes.
func DialRoom(ctx context.Context, serverURL, docID string, dispatcher *Dispatcher,
	logger logrus.FieldLogger,
) (*WSTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	sessionID := uuid.New().String()
	u.Path = "/ws/" + url.PathEscape(docID)
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	logger = logger.WithFields(logrus.Fields{"doc_id": docID, "session_id": sessionID})

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			logger.WithError(err).Debug("dial failed")
			return err
		}
		conn = c
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxDialElapsed
	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}

	return &WSTransport{
		SessionID:  sessionID,
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

func (t *WSTransport) Send(ctx context.Context, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads messages and dispatches them until the connection fails or ctx
// ends. Undecodable messages are logged and skipped.
func (t *WSTransport) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read")
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.WithError(err).Warn("dropping invalid message")
			continue
		}
		if err := t.dispatcher.Dispatch(ctx, msg); err != nil {
			t.logger.WithError(err).WithField("type", msg.Kind).Error("failed to handle message")
		}
	}
}

func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
