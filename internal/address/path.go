package address

import (
	"encoding/json"
	"fmt"
	"strings"
)

type keyKind uint8

const (
	keyField keyKind = iota
	keyIndex
	keyID
)

// Key is one segment of a Path: a record field name, a sequence position, or a
// stable element identifier resolved at apply time.
type Key struct {
	kind  keyKind
	field string
	index int
	id    string
}

// FieldKey addresses a named field of a record container.
func FieldKey(name string) Key { return Key{kind: keyField, field: name} }

// IndexKey addresses a sequence element by position.
func IndexKey(i int) Key { return Key{kind: keyIndex, index: i} }

// IDKey addresses a sequence element by its stable identifier.
func IDKey(id string) Key { return Key{kind: keyID, id: id} }

func (k Key) IsField() bool { return k.kind == keyField }
func (k Key) IsIndex() bool { return k.kind == keyIndex }
func (k Key) IsID() bool    { return k.kind == keyID }

// FieldName returns the field name for field keys.
func (k Key) FieldName() string { return k.field }

// Index returns the position for index keys.
func (k Key) Index() int { return k.index }

// ID returns the identifier for ID keys.
func (k Key) ID() string { return k.id }

func (k Key) String() string {
	switch k.kind {
	case keyIndex:
		return fmt.Sprintf("%d", k.index)
	case keyID:
		return "$id:" + k.id
	default:
		return k.field
	}
}

// MarshalJSON encodes keys in the peer wire shape: field names and legacy
// numeric positions as JSON strings/numbers, identifier keys as {"$id": ...}.
func (k Key) MarshalJSON() ([]byte, error) {
	switch k.kind {
	case keyIndex:
		return json.Marshal(k.index)
	case keyID:
		return json.Marshal(map[string]string{"$id": k.id})
	default:
		return json.Marshal(k.field)
	}
}

// UnmarshalJSON accepts strings, numbers, and {"$id": ...} objects.
func (k *Key) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]string
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode path key: %w", err)
		}
		id, ok := obj["$id"]
		if !ok {
			return fmt.Errorf("decode path key: object without $id")
		}
		*k = IDKey(id)
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode path key: %w", err)
		}
		*k = FieldKey(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode path key: %w", err)
	}
	*k = IndexKey(n)
	return nil
}

// Path is an ordered key sequence locating one mutation site in the workspace.
type Path []Key

// P is a convenience constructor for literal paths.
func P(keys ...Key) Path { return Path(keys) }

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, k := range p {
		parts[i] = k.String()
	}
	return strings.Join(parts, "/")
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Parent returns the path without its final key.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final key. Callers must ensure the path is non-empty.
func (p Path) Last() Key { return p[len(p)-1] }
