package document

import (
	"encoding/json"
	"fmt"
)

// Wire shape: items are flat JSON objects; keys the engine does not interpret
// round-trip through Fields.

type itemWire struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Text      string   `json:"text,omitempty"`
	Completed bool     `json:"completed,omitempty"`
	Scheduled bool     `json:"scheduled,omitempty"`
	ParentID  string   `json:"parentId,omitempty"`
	ChildIDs  []string `json:"childIds,omitempty"`
}

var itemKnownKeys = map[string]struct{}{
	"id": {}, "type": {}, "text": {}, "completed": {},
	"scheduled": {}, "parentId": {}, "childIds": {},
}

// MarshalJSON flattens Fields into the top-level object.
func (it *Item) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, 7+len(it.Fields))
	for k, v := range it.Fields {
		if _, known := itemKnownKeys[k]; !known {
			flat[k] = v
		}
	}
	flat["id"] = it.ID
	flat["type"] = it.Type
	if it.Text != "" {
		flat["text"] = it.Text
	}
	if it.Completed {
		flat["completed"] = true
	}
	if it.Scheduled {
		flat["scheduled"] = true
	}
	if it.ParentID != "" {
		flat["parentId"] = it.ParentID
	}
	if len(it.ChildIDs) > 0 {
		flat["childIds"] = it.ChildIDs
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits known keys from type-specific extras.
func (it *Item) UnmarshalJSON(data []byte) error {
	var wire itemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	it.ID = wire.ID
	it.Type = wire.Type
	it.Text = wire.Text
	it.Completed = wire.Completed
	it.Scheduled = wire.Scheduled
	it.ParentID = wire.ParentID
	it.ChildIDs = wire.ChildIDs
	it.Fields = nil
	for k, v := range raw {
		if _, known := itemKnownKeys[k]; known {
			continue
		}
		if it.Fields == nil {
			it.Fields = make(map[string]any)
		}
		it.Fields[k] = v
	}
	return nil
}

type groupWire struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Items []*Item `json:"items"`
}

func (g *Group) MarshalJSON() ([]byte, error) {
	items := g.Items
	if items == nil {
		items = []*Item{}
	}
	return json.Marshal(groupWire{ID: g.ID, Title: g.Title, Items: items})
}

func (g *Group) UnmarshalJSON(data []byte) error {
	var wire groupWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode group: %w", err)
	}
	g.ID = wire.ID
	g.Title = wire.Title
	g.Items = wire.Items
	return nil
}

type documentWire struct {
	ID     string   `json:"id"`
	Title  string   `json:"title,omitempty"`
	Groups []*Group `json:"groups"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	groups := d.Groups
	if groups == nil {
		groups = []*Group{}
	}
	return json.Marshal(documentWire{ID: d.ID, Title: d.Title, Groups: groups})
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var wire documentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	d.ID = wire.ID
	d.Title = wire.Title
	d.Groups = wire.Groups
	return nil
}

type workspaceWire struct {
	Documents []*Document `json:"documents"`
}

func (w *Workspace) MarshalJSON() ([]byte, error) {
	docs := w.Documents
	if docs == nil {
		docs = []*Document{}
	}
	return json.Marshal(workspaceWire{Documents: docs})
}

func (w *Workspace) UnmarshalJSON(data []byte) error {
	var wire workspaceWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode workspace: %w", err)
	}
	w.Documents = wire.Documents
	return nil
}

// DecodeItem coerces a value captured in a change (live pointer, JSON map, or
// raw bytes) into an independent Item.
func DecodeItem(value any) (*Item, error) {
	return decodeVia[*Item](value, func(it *Item) *Item { return it.Clone() })
}

// DecodeGroup coerces a change value into an independent Group.
func DecodeGroup(value any) (*Group, error) {
	return decodeVia[*Group](value, func(g *Group) *Group { return g.Clone() })
}

// DecodeDocument coerces a change value into an independent Document.
func DecodeDocument(value any) (*Document, error) {
	return decodeVia[*Document](value, func(d *Document) *Document { return d.Clone() })
}

// DecodeWorkspace coerces a full-sync payload into a Workspace.
func DecodeWorkspace(value any) (*Workspace, error) {
	return decodeVia[*Workspace](value, func(w *Workspace) *Workspace { return w.Clone() })
}

// decodeVia accepts an already-typed pointer (cloned to break aliasing with
// the live tree) or anything JSON-shaped, which is round-tripped through the
// codec above.
func decodeVia[T any](value any, clone func(T) T) (T, error) {
	var zero T
	if typed, ok := value.(T); ok {
		return clone(typed), nil
	}
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("encode value for coercion: %w", err)
		}
		data = encoded
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("coerce value: %w", err)
	}
	return out, nil
}

func coerceSlice[T any](value any, decode func(any) (T, error)) ([]T, error) {
	switch v := value.(type) {
	case []T:
		out := make([]T, len(v))
		copy(out, v)
		return out, nil
	case []any:
		out := make([]T, 0, len(v))
		for _, entry := range v {
			decoded, err := decode(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected sequence value, got %T", value)
	}
}

func coerceString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func coerceStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, err := coerceString(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected string sequence, got %T", value)
	}
}

func assignString(dst *string, name string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q expects string, got %T", name, value)
	}
	*dst = s
	return nil
}

func assignBool(dst *bool, name string, value any) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("field %q expects bool, got %T", name, value)
	}
	*dst = b
	return nil
}
