package client

import (
	"context"
	"sync"

	"collab-sync/pkg/protocol"

	"github.com/pkg/errors"
)

// ErrUnknownDocument is returned when no controller is registered for the
// doc id of an inbound message.
var ErrUnknownDocument = errors.New("no controller for document")

// Dispatcher routes inbound messages to controllers by doc id. It only
// looks controllers up; their owners decide when they close.
type Dispatcher struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{controllers: make(map[string]*Controller)}
}

func (d *Dispatcher) Register(c *Controller) {
	d.mu.Lock()
	d.controllers[c.DocID()] = c
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister(docID string) {
	d.mu.Lock()
	delete(d.controllers, docID)
	d.mu.Unlock()
}

func (d *Dispatcher) Lookup(docID string) (*Controller, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.controllers[docID]
	return c, ok
}

// Dispatch hands msg to the controller of its document.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message) error {
	c, ok := d.Lookup(msg.DocID)
	if !ok {
		return errors.Wrap(ErrUnknownDocument, msg.DocID)
	}
	return c.HandleMessage(ctx, msg)
}
