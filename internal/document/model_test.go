package document

import (
	"encoding/json"
	"reflect"
	"testing"
)

func sampleGroup() *Group {
	return &Group{
		ID:    "grp-1",
		Title: "Inbox",
		Items: []*Item{
			{ID: "item-1", Type: "todo", Text: "buy milk"},
			{ID: "heading-1", Type: "heading", Text: "Chores", ChildIDs: []string{"item-2"}},
			{ID: "item-2", Type: "todo", Text: "walk dog", ParentID: "heading-1"},
		},
	}
}

func TestItemFieldsRouteKnownAndExtraKeys(t *testing.T) {
	it := &Item{ID: "item-1", Type: "note", Text: "hello"}

	if err := it.SetField("completed", true); err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if !it.Completed {
		t.Fatal("completed not applied to the struct field")
	}

	if err := it.SetField("color", "red"); err != nil {
		t.Fatalf("set extra field: %v", err)
	}
	if got, ok := it.Field("color"); !ok || got != "red" {
		t.Fatalf("extra field = (%v, %v)", got, ok)
	}

	prior, err := it.DeleteField("color")
	if err != nil {
		t.Fatalf("delete extra field: %v", err)
	}
	if prior != "red" {
		t.Fatalf("deleted prior = %v", prior)
	}
	if _, ok := it.Field("color"); ok {
		t.Fatal("extra field still present after delete")
	}
	if _, err := it.DeleteField("missing"); err == nil {
		t.Fatal("deleting an absent field should fail")
	}
}

func TestItemSeqInsertCoercesWireValues(t *testing.T) {
	g := sampleGroup()
	seq := g.ItemSeq()

	if err := seq.Insert(1, map[string]any{"id": "item-3", "type": "todo", "text": "water plants"}); err != nil {
		t.Fatalf("insert map value: %v", err)
	}
	if g.Items[1].Text != "water plants" {
		t.Fatalf("inserted item = %+v", g.Items[1])
	}
	if err := seq.Insert(0, json.RawMessage(`{"id":"item-4","type":"note"}`)); err != nil {
		t.Fatalf("insert raw value: %v", err)
	}
	if g.Items[0].ID != "item-4" {
		t.Fatalf("front item = %+v", g.Items[0])
	}

	if got := seq.IndexOf("item-2"); got != 4 {
		t.Fatalf("IndexOf after inserts = %d, want 4", got)
	}
	if got := seq.IndexOf("ghost"); got != -1 {
		t.Fatalf("IndexOf missing = %d, want -1", got)
	}
}

func TestCloneIsolatesMutations(t *testing.T) {
	g := sampleGroup()
	g.Items[0].Fields = map[string]any{"color": "red"}

	clone := g.Clone()
	clone.Items[0].Text = "changed"
	clone.Items[0].Fields["color"] = "blue"
	clone.Items[1].ChildIDs[0] = "other"

	if g.Items[0].Text != "buy milk" {
		t.Fatalf("original text mutated: %q", g.Items[0].Text)
	}
	if g.Items[0].Fields["color"] != "red" {
		t.Fatalf("original fields mutated: %v", g.Items[0].Fields)
	}
	if g.Items[1].ChildIDs[0] != "item-2" {
		t.Fatalf("original child ids mutated: %v", g.Items[1].ChildIDs)
	}
}

func TestReplaceWithKeepsSharedHandleCurrent(t *testing.T) {
	ws := &Workspace{Documents: []*Document{{ID: "doc-1", Title: "old"}}}
	handle := ws

	incoming := &Workspace{Documents: []*Document{{ID: "doc-1", Title: "new"}, {ID: "doc-2"}}}
	ws.ReplaceWith(incoming)

	if len(handle.Documents) != 2 || handle.Documents[0].Title != "new" {
		t.Fatalf("shared handle after replace: %+v", handle.Documents)
	}

	incoming.Documents[0].Title = "mutated"
	if handle.Documents[0].Title != "new" {
		t.Fatal("replace aliased the incoming workspace")
	}
}

func TestItemJSONRoundTripsUnknownKeys(t *testing.T) {
	raw := `{"id":"item-1","type":"bookmark","text":"docs","url":"https://example.com","rating":5}`

	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if it.Fields["url"] != "https://example.com" {
		t.Fatalf("extras = %v", it.Fields)
	}

	data, err := json.Marshal(&it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("decode flat: %v", err)
	}
	if flat["url"] != "https://example.com" || flat["rating"] != float64(5) {
		t.Fatalf("extras dropped on the way out: %v", flat)
	}
	if flat["type"] != "bookmark" {
		t.Fatalf("known key lost: %v", flat)
	}
}

func TestDecodeItemAcceptsPointerMapAndRaw(t *testing.T) {
	src := &Item{ID: "item-1", Type: "todo", Text: "buy milk"}

	fromPtr, err := DecodeItem(src)
	if err != nil {
		t.Fatalf("decode pointer: %v", err)
	}
	if fromPtr == src {
		t.Fatal("decode returned the live pointer instead of a clone")
	}
	fromPtr.Text = "changed"
	if src.Text != "buy milk" {
		t.Fatal("clone aliased the source")
	}

	fromMap, err := DecodeItem(map[string]any{"id": "item-1", "type": "todo", "text": "buy milk"})
	if err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if !reflect.DeepEqual(fromMap, src) {
		t.Fatalf("decode map = %+v, want %+v", fromMap, src)
	}
}

func TestValidateFlagsNestingDeeperThanOneLevel(t *testing.T) {
	ws := &Workspace{Documents: []*Document{{
		ID: "doc-1",
		Groups: []*Group{{
			ID: "grp-1",
			Items: []*Item{
				{ID: "a", Type: "heading", ChildIDs: []string{"b"}},
				{ID: "b", Type: "heading", ParentID: "a", ChildIDs: []string{"c"}},
				{ID: "c", Type: "todo", ParentID: "b"},
			},
		}},
	}}}

	issues := ws.Validate()
	found := false
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatalf("two-level nesting not reported as an error: %v", issues)
	}
}

func TestValidateFlagsDanglingReferencesAndDuplicates(t *testing.T) {
	ws := &Workspace{Documents: []*Document{{
		ID: "doc-1",
		Groups: []*Group{{
			ID: "grp-1",
			Items: []*Item{
				{ID: "a", Type: "todo", ParentID: "ghost"},
				{ID: "a", Type: "todo"},
				{ID: "b", Type: ""},
			},
		}},
	}}}

	issues := ws.Validate()
	var missingParent, duplicate, missingType bool
	for _, issue := range issues {
		switch {
		case issue.Message == `item "a" references missing parent "ghost"`:
			missingParent = true
		case issue.Message == `duplicate item id "a"`:
			duplicate = true
		case issue.Message == `item "b" missing type`:
			missingType = true
		}
	}
	if !missingParent || !duplicate || !missingType {
		t.Fatalf("expected findings missing (parent=%v dup=%v type=%v): %v", missingParent, duplicate, missingType, issues)
	}
}

func TestValidateCleanWorkspaceReportsNothing(t *testing.T) {
	ws := &Workspace{Documents: []*Document{{
		ID:     "doc-1",
		Groups: []*Group{sampleGroup()},
	}}}
	if issues := ws.Validate(); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
}
