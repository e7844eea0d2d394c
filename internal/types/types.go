package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentID identifies a shared document (the original protocol calls this a
// filename, and the wire field keeps that name).
type DocumentID string

// ClientID represents a connected editor client.
type ClientID string

// ChangeID is a globally unique identifier for one recorded change.
type ChangeID string

// NewChangeID mints a change identifier scoped to the authoring client.
func NewChangeID(client ClientID) ChangeID {
	return ChangeID(fmt.Sprintf("%s_%s", client, uuid.NewString()))
}

// Origin records whether a change was authored locally or arrived from a peer.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Envelope message types exchanged over the peer channel.
const (
	MsgConnected    = "connected"
	MsgJoinFile     = "join_file"
	MsgLeaveFile    = "leave_file"
	MsgFileJoined   = "file_joined"
	MsgClientJoined = "client_joined"
	MsgClientLeft   = "client_left"
	MsgChange       = "change"
	MsgUndo         = "undo"
	MsgRedo         = "redo"
	MsgFullSync     = "full_sync"
	MsgGetHistory   = "get_history"
	MsgHistory      = "history"
)

// Envelope is the JSON message exchanged with collaborating peers. Only the
// fields relevant to a given message type are populated.
type Envelope struct {
	Type      string            `json:"type"`
	Document  DocumentID        `json:"filename,omitempty"`
	Client    ClientID          `json:"clientId,omitempty"`
	Change    json.RawMessage   `json:"change,omitempty"`
	ChangeID  ChangeID          `json:"changeId,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	History   []json.RawMessage `json:"history,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	SentAt    time.Time         `json:"sentAt,omitempty"`
}

// MarshalBinary serializes an Envelope to JSON for byte-oriented transports.
func (e Envelope) MarshalBinary() ([]byte, error) {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}
	return json.Marshal(e)
}

// UnmarshalBinary deserializes an Envelope from its JSON representation.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}
