package document

import "fmt"

// Severity classifies a validation finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one structural violation found while walking the workspace.
type Issue struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

// Validate walks the workspace and reports structural violations without
// mutating anything. It is invoked defensively after every change apply, so
// findings are advisory and never block subsequent operations.
func (w *Workspace) Validate() []Issue {
	var issues []Issue
	report := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if w == nil {
		return []Issue{{Severity: SeverityError, Path: "", Message: "nil workspace"}}
	}

	for di, d := range w.Documents {
		docPath := fmt.Sprintf("documents/%d", di)
		if d == nil {
			report(SeverityError, docPath, "nil document entry")
			continue
		}
		if d.ID == "" {
			report(SeverityWarning, docPath, "document missing id")
		}
		for gi, g := range d.Groups {
			groupPath := fmt.Sprintf("%s/groups/%d", docPath, gi)
			if g == nil {
				report(SeverityError, groupPath, "nil group entry")
				continue
			}
			if g.ID == "" {
				report(SeverityWarning, groupPath, "group missing id")
			}
			validateItems(g, groupPath, report)
		}
	}
	return issues
}

func validateItems(g *Group, groupPath string, report func(Severity, string, string, ...any)) {
	byID := make(map[string]*Item, len(g.Items))
	for ii, it := range g.Items {
		itemPath := fmt.Sprintf("%s/items/%d", groupPath, ii)
		if it == nil {
			report(SeverityError, itemPath, "nil item entry")
			continue
		}
		if it.Type == "" {
			report(SeverityError, itemPath, "item %q missing type", it.ID)
		}
		if it.ID == "" {
			report(SeverityWarning, itemPath, "item missing id")
			continue
		}
		if _, dup := byID[it.ID]; dup {
			report(SeverityWarning, itemPath, "duplicate item id %q", it.ID)
		}
		byID[it.ID] = it
	}

	for ii, it := range g.Items {
		if it == nil || it.ID == "" {
			continue
		}
		itemPath := fmt.Sprintf("%s/items/%d", groupPath, ii)
		if it.ParentID != "" {
			parent, ok := byID[it.ParentID]
			if !ok {
				report(SeverityWarning, itemPath, "item %q references missing parent %q", it.ID, it.ParentID)
			} else if len(it.ChildIDs) > 0 && parent != it {
				// Nesting depth is capped at one level.
				report(SeverityError, itemPath, "item %q has children but is itself a child of %q", it.ID, it.ParentID)
			}
		}
		for _, childID := range it.ChildIDs {
			if _, ok := byID[childID]; !ok {
				report(SeverityWarning, itemPath, "item %q references missing child %q", it.ID, childID)
			}
		}
	}
}
