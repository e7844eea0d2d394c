// Package change defines the recorded mutation types. Each kind is its own
// variant carrying only the fields it needs; Record is the envelope that
// lives on the undo/redo stacks.
package change

import (
	"encoding/json"
	"time"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/types"
)

// Kind tags one mutation variant.
type Kind string

const (
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
	KindAdd    Kind = "add"
	KindInsert Kind = "insert"
	KindMove   Kind = "move"
)

// Op is one mutation variant.
type Op interface {
	Kind() Kind
}

// Set assigns Value at Path, remembering the prior value for inversion.
type Set struct {
	Path  address.Path
	Value any
	Prior any
}

func (Set) Kind() Kind { return KindSet }

// Delete removes the element addressed by Path. Index is the position the
// element held at record time; it is a hint, not an authority, because
// concurrent edits may have shifted it by undo time. Anchor is the identifier
// of the element that immediately preceded the deleted one, captured at the
// same moment, so undo can restore the element at its logical position even
// after the numeric index has gone stale. It is empty when the element was
// first or the predecessor carried no identifier.
type Delete struct {
	Path   address.Path
	Prior  any
	Index  int
	Anchor string
}

func (Delete) Kind() Kind { return KindDelete }

// Insert places Value into the sequence addressed by Path. A negative Index
// appends (the wire calls that variant "add").
type Insert struct {
	Path  address.Path
	Value any
	Index int
}

func (i Insert) Kind() Kind {
	if i.Index < 0 {
		return KindAdd
	}
	return KindInsert
}

// Move relocates one element from the sequence at From to the sequence at To
// as a single atomic step. Value carries the moved element so that legacy
// peers receiving the split pair encoding can apply it.
type Move struct {
	From      address.Path
	To        address.Path
	FromIndex int
	ToIndex   int
	Value     any
}

func (Move) Kind() Kind { return KindMove }

// Record is one entry on the undo/redo stacks: immutable once recorded.
type Record struct {
	ID        types.ChangeID
	Client    types.ClientID
	Origin    types.Origin
	At        time.Time
	Op        Op
	Seq       int    // change-counter position assigned at record time
	MoveGroup string // wire linkage when the change traveled as half of a split pair
}

// NewRecord stamps a local change ready for recording.
func NewRecord(client types.ClientID, op Op) *Record {
	return &Record{
		ID:     types.NewChangeID(client),
		Client: client,
		Origin: types.OriginLocal,
		At:     time.Now().UTC(),
		Op:     op,
	}
}

// ValueID extracts the stable identifier carried by a change value, when the
// value is an item-shaped record. Used for identifier-first matching.
func ValueID(value any) string {
	switch v := value.(type) {
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
	case json.RawMessage:
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(v, &probe); err == nil {
			return probe.ID
		}
	case interface{ Field(string) (any, bool) }:
		if id, ok := v.Field("id"); ok {
			if s, ok := id.(string); ok {
				return s
			}
		}
	}
	return ""
}
