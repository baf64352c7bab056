package assignment

import "github.com/local/scansplit/internal/roster"

// Group is the ordered list of pages assigned to one label.
type Group struct {
	Label roster.Label `json:"label"`
	Pages []int        `json:"pages"`
}

// Grouping maps labels to their pages. Groups appear in the order their label
// is first seen when scanning pages from first to last.
type Grouping []Group

// GroupPages buckets the assigned pages of t by label. Pages are visited in
// ascending order, so every group's pages are ascending too. Unassigned pages
// belong to no group.
func GroupPages(t Table) Grouping {
	index := make(map[roster.Label]int)
	var out Grouping
	for _, r := range t.records {
		if !r.Assigned() {
			continue
		}
		i, ok := index[r.Label]
		if !ok {
			i = len(out)
			index[r.Label] = i
			out = append(out, Group{Label: r.Label})
		}
		out[i].Pages = append(out[i].Pages, r.PageNumber)
	}
	return out
}

// Labels returns the group labels in grouping order.
func (g Grouping) Labels() []roster.Label {
	out := make([]roster.Label, len(g))
	for i, grp := range g {
		out[i] = grp.Label
	}
	return out
}

// Pages returns the pages of label, or nil when the label has no group.
func (g Grouping) Pages(label roster.Label) []int {
	for _, grp := range g {
		if grp.Label == label {
			return grp.Pages
		}
	}
	return nil
}

// TotalPages counts pages across all groups.
func (g Grouping) TotalPages() int {
	n := 0
	for _, grp := range g {
		n += len(grp.Pages)
	}
	return n
}
