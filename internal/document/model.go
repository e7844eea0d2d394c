// Package document defines the workspace tree shared between the editor UI
// and the change engine: workspaces hold documents, documents hold groups,
// groups hold a flat ordered run of items. Parent/child relationships between
// items are expressed through parentId/childIds only, never through physical
// nesting, and nesting depth is at most one.
package document

import (
	"fmt"

	"github.com/example/twodo-sync-engine/internal/address"
)

// Item is a single editable node. Type-specific extras that the engine does
// not interpret live in Fields and survive round-trips untouched.
type Item struct {
	ID        string
	Type      string
	Text      string
	Completed bool
	Scheduled bool
	ParentID  string
	ChildIDs  []string
	Fields    map[string]any
}

// Group is an ordered run of items. Insertion order is the addressing basis
// for positional operations.
type Group struct {
	ID    string
	Title string
	Items []*Item
}

// Document is an ordered run of groups.
type Document struct {
	ID     string
	Title  string
	Groups []*Group
}

// Workspace is the root the path addressor navigates from.
type Workspace struct {
	Documents []*Document
}

// Clone deep-copies the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	if it.ChildIDs != nil {
		out.ChildIDs = append([]string(nil), it.ChildIDs...)
	}
	if it.Fields != nil {
		out.Fields = make(map[string]any, len(it.Fields))
		for k, v := range it.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// Clone deep-copies the group and its items.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	out := &Group{ID: g.ID, Title: g.Title}
	if g.Items != nil {
		out.Items = make([]*Item, len(g.Items))
		for i, it := range g.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Clone deep-copies the document and everything beneath it.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{ID: d.ID, Title: d.Title}
	if d.Groups != nil {
		out.Groups = make([]*Group, len(d.Groups))
		for i, g := range d.Groups {
			out.Groups[i] = g.Clone()
		}
	}
	return out
}

// Clone deep-copies the whole workspace.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	out := &Workspace{}
	if w.Documents != nil {
		out.Documents = make([]*Document, len(w.Documents))
		for i, d := range w.Documents {
			out.Documents[i] = d.Clone()
		}
	}
	return out
}

// ReplaceWith overwrites the workspace contents in place so that shared
// handles observe the replacement. Used by snapshot recovery and full syncs.
func (w *Workspace) ReplaceWith(other *Workspace) {
	if other == nil {
		w.Documents = nil
		return
	}
	w.Documents = other.Clone().Documents
}

// FindDocument returns the document with the given id, or nil.
func (w *Workspace) FindDocument(id string) *Document {
	for _, d := range w.Documents {
		if d != nil && d.ID == id {
			return d
		}
	}
	return nil
}

// seq adapts a slice field into an address.Sequence. The slice pointer keeps
// mutations visible on the owning struct.
type seq[T any] struct {
	items  *[]T
	id     func(T) string
	coerce func(any) (T, error)
}

func (s seq[T]) Len() int { return len(*s.items) }

func (s seq[T]) At(i int) any { return (*s.items)[i] }

func (s seq[T]) Set(i int, value any) error {
	v, err := s.coerce(value)
	if err != nil {
		return err
	}
	(*s.items)[i] = v
	return nil
}

func (s seq[T]) Insert(i int, value any) error {
	v, err := s.coerce(value)
	if err != nil {
		return err
	}
	items := *s.items
	items = append(items, v)
	copy(items[i+1:], items[i:])
	items[i] = v
	*s.items = items
	return nil
}

func (s seq[T]) Remove(i int) (any, error) {
	items := *s.items
	removed := items[i]
	*s.items = append(items[:i], items[i+1:]...)
	return removed, nil
}

func (s seq[T]) IndexOf(id string) int {
	if s.id == nil {
		return -1
	}
	for i, v := range *s.items {
		if s.id(v) == id {
			return i
		}
	}
	return -1
}

// Field implements address.Record for the workspace root.
func (w *Workspace) Field(name string) (any, bool) {
	if name == "documents" {
		return w.documentSeq(), true
	}
	return nil, false
}

func (w *Workspace) SetField(name string, value any) error {
	if name != "documents" {
		return fmt.Errorf("workspace has no field %q", name)
	}
	docs, err := coerceSlice(value, DecodeDocument)
	if err != nil {
		return err
	}
	w.Documents = docs
	return nil
}

func (w *Workspace) DeleteField(name string) (any, error) {
	return nil, fmt.Errorf("workspace field %q cannot be deleted", name)
}

func (w *Workspace) documentSeq() address.Sequence {
	return seq[*Document]{
		items:  &w.Documents,
		id:     func(d *Document) string { return docID(d) },
		coerce: DecodeDocument,
	}
}

// Field implements address.Record for documents.
func (d *Document) Field(name string) (any, bool) {
	switch name {
	case "id":
		return d.ID, true
	case "title":
		return d.Title, true
	case "groups":
		return d.groupSeq(), true
	}
	return nil, false
}

func (d *Document) SetField(name string, value any) error {
	switch name {
	case "id":
		return assignString(&d.ID, name, value)
	case "title":
		return assignString(&d.Title, name, value)
	case "groups":
		groups, err := coerceSlice(value, DecodeGroup)
		if err != nil {
			return err
		}
		d.Groups = groups
		return nil
	}
	return fmt.Errorf("document has no field %q", name)
}

func (d *Document) DeleteField(name string) (any, error) {
	switch name {
	case "title":
		prior := d.Title
		d.Title = ""
		return prior, nil
	}
	return nil, fmt.Errorf("document field %q cannot be deleted", name)
}

func (d *Document) groupSeq() address.Sequence {
	return seq[*Group]{
		items:  &d.Groups,
		id:     func(g *Group) string { return groupID(g) },
		coerce: DecodeGroup,
	}
}

// Field implements address.Record for groups.
func (g *Group) Field(name string) (any, bool) {
	switch name {
	case "id":
		return g.ID, true
	case "title":
		return g.Title, true
	case "items":
		return g.ItemSeq(), true
	}
	return nil, false
}

func (g *Group) SetField(name string, value any) error {
	switch name {
	case "id":
		return assignString(&g.ID, name, value)
	case "title":
		return assignString(&g.Title, name, value)
	case "items":
		items, err := coerceSlice(value, DecodeItem)
		if err != nil {
			return err
		}
		g.Items = items
		return nil
	}
	return fmt.Errorf("group has no field %q", name)
}

func (g *Group) DeleteField(name string) (any, error) {
	switch name {
	case "title":
		prior := g.Title
		g.Title = ""
		return prior, nil
	}
	return nil, fmt.Errorf("group field %q cannot be deleted", name)
}

// ItemSeq exposes the group's item run as an addressable sequence.
func (g *Group) ItemSeq() address.Sequence {
	return seq[*Item]{
		items:  &g.Items,
		id:     func(it *Item) string { return itemID(it) },
		coerce: DecodeItem,
	}
}

// Field implements address.Record for items.
func (it *Item) Field(name string) (any, bool) {
	switch name {
	case "id":
		return it.ID, true
	case "type":
		return it.Type, true
	case "text":
		return it.Text, true
	case "completed":
		return it.Completed, true
	case "scheduled":
		return it.Scheduled, true
	case "parentId":
		return it.ParentID, true
	case "childIds":
		return it.childIDSeq(), true
	}
	v, ok := it.Fields[name]
	return v, ok
}

func (it *Item) SetField(name string, value any) error {
	switch name {
	case "id":
		return assignString(&it.ID, name, value)
	case "type":
		return assignString(&it.Type, name, value)
	case "text":
		return assignString(&it.Text, name, value)
	case "completed":
		return assignBool(&it.Completed, name, value)
	case "scheduled":
		return assignBool(&it.Scheduled, name, value)
	case "parentId":
		return assignString(&it.ParentID, name, value)
	case "childIds":
		ids, err := coerceStrings(value)
		if err != nil {
			return err
		}
		it.ChildIDs = ids
		return nil
	}
	if it.Fields == nil {
		it.Fields = make(map[string]any)
	}
	it.Fields[name] = value
	return nil
}

func (it *Item) DeleteField(name string) (any, error) {
	switch name {
	case "text":
		prior := it.Text
		it.Text = ""
		return prior, nil
	case "parentId":
		prior := it.ParentID
		it.ParentID = ""
		return prior, nil
	case "childIds":
		prior := it.ChildIDs
		it.ChildIDs = nil
		return prior, nil
	}
	if v, ok := it.Fields[name]; ok {
		delete(it.Fields, name)
		return v, nil
	}
	return nil, fmt.Errorf("item has no field %q", name)
}

func (it *Item) childIDSeq() address.Sequence {
	return seq[string]{
		items:  &it.ChildIDs,
		id:     func(s string) string { return s },
		coerce: coerceString,
	}
}

func docID(d *Document) string {
	if d == nil {
		return ""
	}
	return d.ID
}

func groupID(g *Group) string {
	if g == nil {
		return ""
	}
	return g.ID
}

func itemID(it *Item) string {
	if it == nil {
		return ""
	}
	return it.ID
}
