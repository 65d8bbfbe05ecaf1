// Package protocol defines the messages replicas exchange over a transport.
package protocol

import (
	"encoding/json"

	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
)

// ErrInvalidMessage is returned by Decode for messages that cannot be
// acted on.
var ErrInvalidMessage = errors.New("invalid message")

type Kind string

const (
	KindUserConnect Kind = "user_connect"
	KindPushRev     Kind = "push_rev"
	KindPullRev     Kind = "pull_rev"
	KindAck         Kind = "ack"
)

func (k Kind) valid() bool {
	switch k {
	case KindUserConnect, KindPushRev, KindPullRev, KindAck:
		return true
	}
	return false
}

// Message is the single wire envelope. Which fields are set depends on Kind:
//
//	user_connect  RevID is the last server revision the client has
//	push_rev      Revisions, plus InReplyTo when answering a stale revision
//	              and Reset when Revisions[0] is a full snapshot
//	pull_rev      Range
//	ack           RevID
//
// Checksum, when set, is the md5 of the sender's document text after the
// message's revisions are applied.
type Message struct {
	Kind      Kind                `json:"type"`
	DocID     string              `json:"doc_id"`
	Revisions []revision.Revision `json:"revisions,omitempty"`
	Range     *revision.Range     `json:"range,omitempty"`
	RevID     int64               `json:"rev_id,omitempty"`
	Checksum  string              `json:"checksum,omitempty"`
	InReplyTo int64               `json:"in_reply_to,omitempty"`
	Reset     bool                `json:"reset,omitempty"`
}

func UserConnect(docID string, revID int64) Message {
	return Message{Kind: KindUserConnect, DocID: docID, RevID: revID}
}

func PushRev(docID string, revs ...revision.Revision) Message {
	return Message{Kind: KindPushRev, DocID: docID, Revisions: revs}
}

func PullRev(rng revision.Range) Message {
	return Message{Kind: KindPullRev, DocID: rng.DocID, Range: &rng}
}

func Ack(docID string, revID int64, checksum string) Message {
	return Message{Kind: KindAck, DocID: docID, RevID: revID, Checksum: checksum}
}

// Snapshot is a reset push carrying the whole document as one revision.
func Snapshot(docID string, snapshot revision.Revision, checksum string) Message {
	return Message{
		Kind:      KindPushRev,
		DocID:     docID,
		Revisions: []revision.Revision{snapshot},
		Checksum:  checksum,
		Reset:     true,
	}
}

// Reply is a push answering the stale revision inReplyTo.
func Reply(docID string, prime revision.Revision, inReplyTo int64, checksum string) Message {
	return Message{
		Kind:      KindPushRev,
		DocID:     docID,
		Revisions: []revision.Revision{prime},
		Checksum:  checksum,
		InReplyTo: inReplyTo,
	}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the fields Kind requires.
func (m Message) Validate() error {
	if !m.Kind.valid() {
		return errors.Wrapf(ErrInvalidMessage, "unknown type %q", m.Kind)
	}
	if m.DocID == "" {
		return errors.Wrap(ErrInvalidMessage, "missing doc_id")
	}
	switch m.Kind {
	case KindUserConnect, KindAck:
		if m.RevID < 0 {
			return errors.Wrapf(ErrInvalidMessage, "negative rev_id %d", m.RevID)
		}
	case KindPullRev:
		if m.Range == nil || m.Range.Len() == 0 || m.Range.Start < 1 {
			return errors.Wrap(ErrInvalidMessage, "pull without a range")
		}
		if m.Range.DocID != m.DocID {
			return errors.Wrapf(ErrInvalidMessage, "range for %q in message for %q", m.Range.DocID, m.DocID)
		}
	case KindPushRev:
		return m.validateRevisions()
	}
	return nil
}

func (m Message) validateRevisions() error {
	if len(m.Revisions) == 0 {
		return errors.Wrap(ErrInvalidMessage, "push without revisions")
	}
	if m.Reset {
		if len(m.Revisions) != 1 {
			return errors.Wrap(ErrInvalidMessage, "reset carries one snapshot")
		}
		snap := m.Revisions[0]
		if snap.DocID != m.DocID || snap.BaseRevID != 0 || snap.RevID < 0 {
			return errors.Wrapf(ErrInvalidMessage, "bad snapshot %s", snap)
		}
		if err := snap.Verify(); err != nil {
			return err
		}
		d, err := snap.Delta()
		if err != nil {
			return err
		}
		if !d.IsDocument() {
			return errors.Wrap(ErrInvalidMessage, "snapshot must only insert")
		}
		return nil
	}
	for i, r := range m.Revisions {
		if r.DocID != m.DocID {
			return errors.Wrapf(ErrInvalidMessage, "revision for %q in message for %q", r.DocID, m.DocID)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if i > 0 && r.BaseRevID != m.Revisions[i-1].RevID {
			return errors.Wrapf(ErrInvalidMessage, "revision %d does not follow %d", r.RevID, m.Revisions[i-1].RevID)
		}
	}
	return nil
}
