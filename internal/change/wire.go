package change

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/types"
)

// Wire is the flat JSON shape changes take on the peer channel and inside
// persisted buffers. Kind "move" only appears in buffers and history; on the
// peer channel a move always travels as a delete+insert pair linked by
// moveGroupId, which is what legacy peers understand.
type Wire struct {
	Kind      Kind           `json:"type"`
	Path      address.Path   `json:"path,omitempty"`
	From      address.Path   `json:"fromPath,omitempty"`
	To        address.Path   `json:"toPath,omitempty"`
	Value     any            `json:"value,omitempty"`
	Prior     any            `json:"oldValue,omitempty"`
	ChangeID  types.ChangeID `json:"changeId,omitempty"`
	Client    types.ClientID `json:"clientId,omitempty"`
	Origin    types.Origin   `json:"origin,omitempty"`
	At        time.Time      `json:"timestamp,omitempty"`
	Seq       int            `json:"seq,omitempty"`
	Insert    *int           `json:"insertIndex,omitempty"`
	Delete    *int           `json:"deleteIndex,omitempty"`
	Anchor    string         `json:"anchorId,omitempty"`
	FromIdx   *int           `json:"fromIndex,omitempty"`
	ToIdx     *int           `json:"toIndex,omitempty"`
	MoveGroup string         `json:"moveGroupId,omitempty"`
}

// ToWire flattens a record into its native single-wire form.
func (r *Record) ToWire() Wire {
	w := Wire{
		ChangeID:  r.ID,
		Client:    r.Client,
		Origin:    r.Origin,
		At:        r.At,
		Seq:       r.Seq,
		MoveGroup: r.MoveGroup,
	}
	switch op := r.Op.(type) {
	case Set:
		w.Kind = KindSet
		w.Path = op.Path
		w.Value = op.Value
		w.Prior = op.Prior
	case Delete:
		w.Kind = KindDelete
		w.Path = op.Path
		w.Prior = op.Prior
		w.Delete = intPtr(op.Index)
		w.Anchor = op.Anchor
	case Insert:
		w.Kind = op.Kind()
		w.Path = op.Path
		w.Value = op.Value
		if op.Index >= 0 {
			w.Insert = intPtr(op.Index)
		}
	case Move:
		w.Kind = KindMove
		w.From = op.From
		w.To = op.To
		w.Value = op.Value
		w.FromIdx = intPtr(op.FromIndex)
		w.ToIdx = intPtr(op.ToIndex)
	}
	return w
}

// PeerWire encodes the record for the peer channel. A move is split into a
// linked delete+insert pair sharing one moveGroupId.
func (r *Record) PeerWire() []Wire {
	mv, ok := r.Op.(Move)
	if !ok {
		return []Wire{r.ToWire()}
	}
	group := r.MoveGroup
	if group == "" {
		group = uuid.NewString()
	}
	del := Wire{
		Kind:      KindDelete,
		Path:      append(mv.From.Clone(), address.IndexKey(mv.FromIndex)),
		Prior:     mv.Value,
		Delete:    intPtr(mv.FromIndex),
		ChangeID:  r.ID,
		Client:    r.Client,
		At:        r.At,
		MoveGroup: group,
	}
	ins := Wire{
		Kind:      KindInsert,
		Path:      mv.To.Clone(),
		Value:     mv.Value,
		Insert:    intPtr(mv.ToIndex),
		ChangeID:  types.ChangeID(string(r.ID) + "_ins"),
		Client:    r.Client,
		At:        r.At,
		MoveGroup: group,
	}
	return []Wire{del, ins}
}

// FromWire decodes a single wire change into a record, normalizing the legacy
// index conventions: an insert without an explicit insertIndex falls back to a
// trailing numeric path key, and failing that appends.
func FromWire(w Wire) (*Record, error) {
	rec := &Record{
		ID:        w.ChangeID,
		Client:    w.Client,
		Origin:    w.Origin,
		At:        w.At,
		Seq:       w.Seq,
		MoveGroup: w.MoveGroup,
	}
	if rec.Origin == "" {
		rec.Origin = types.OriginRemote
	}
	switch w.Kind {
	case KindSet:
		if len(w.Path) == 0 {
			return nil, fmt.Errorf("set change without path")
		}
		rec.Op = Set{Path: w.Path, Value: w.Value, Prior: w.Prior}
	case KindDelete:
		if len(w.Path) == 0 {
			return nil, fmt.Errorf("delete change without path")
		}
		idx := -1
		if w.Delete != nil {
			idx = *w.Delete
		} else if last := w.Path.Last(); last.IsIndex() {
			idx = last.Index()
		}
		rec.Op = Delete{Path: w.Path, Prior: w.Prior, Index: idx, Anchor: w.Anchor}
	case KindAdd:
		rec.Op = Insert{Path: w.Path, Value: w.Value, Index: -1}
	case KindInsert:
		path := w.Path
		idx := -1
		switch {
		case w.Insert != nil:
			idx = *w.Insert
		case len(path) > 0 && path.Last().IsIndex():
			idx = path.Last().Index()
			path = path.Parent()
		}
		rec.Op = Insert{Path: path, Value: w.Value, Index: idx}
	case KindMove:
		if len(w.From) == 0 || len(w.To) == 0 {
			return nil, fmt.Errorf("move change without endpoint paths")
		}
		mv := Move{From: w.From, To: w.To, Value: w.Value, FromIndex: -1, ToIndex: -1}
		if w.FromIdx != nil {
			mv.FromIndex = *w.FromIdx
		}
		if w.ToIdx != nil {
			mv.ToIndex = *w.ToIdx
		}
		rec.Op = mv
	default:
		return nil, fmt.Errorf("unknown change kind %q", w.Kind)
	}
	return rec, nil
}

// MarshalJSON serializes the record in its native wire form, moves included.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToWire())
}

// UnmarshalJSON decodes the native wire form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode change record: %w", err)
	}
	decoded, err := FromWire(w)
	if err != nil {
		return err
	}
	*r = *decoded
	return nil
}

func intPtr(i int) *int { return &i }
