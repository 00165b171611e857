// Package blueprint projects active ledger claims into the governing document.
package blueprint

import (
	"fmt"
	"sort"
	"strings"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"
)

// sectionTitles fixes the heading and order of each classification section.
var sectionTitles = []struct {
	class pipeline.Classification
	title string
}{
	{pipeline.ClassInvariant, "Invariants"},
	{pipeline.ClassBoundary, "Boundaries"},
	{pipeline.ClassOwnershipRule, "Ownership Rules"},
	{pipeline.ClassNonNegotiableConstraint, "Non-Negotiable Constraints"},
}

// Header marks generated documents.
const Header = "<!-- Generated by docpipe. Edit claims through the ledger; direct edits are flagged. -->"

// Render produces the Markdown governing document for project. Only active
// claims are included, grouped by classification and ordered by claim id, so
// the same ledger state always yields the same bytes.
func Render(project string, claims []store.Claim) string {
	grouped := make(map[pipeline.Classification][]store.Claim)
	total := 0
	for _, c := range claims {
		if c.Status != pipeline.StatusActive {
			continue
		}
		grouped[c.Classification] = append(grouped[c.Classification], c)
		total++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Blueprint: %s\n\n", project)
	sb.WriteString(Header)
	sb.WriteString("\n")

	if total == 0 {
		sb.WriteString("\n_No active claims._\n")
		return sb.String()
	}

	for _, sec := range sectionTitles {
		list := grouped[sec.class]
		if len(list) == 0 {
			continue
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

		fmt.Fprintf(&sb, "\n## %s\n\n", sec.title)
		for _, c := range list {
			fmt.Fprintf(&sb, "- %s _(#%d, %s", oneLine(c.Text), c.ID, c.Origin)
			if c.SourceSession != "" {
				fmt.Fprintf(&sb, ", %s", c.SourceSession)
			}
			if len(c.SourceStages) > 0 {
				stages := make([]string, len(c.SourceStages))
				for i, s := range c.SourceStages {
					stages[i] = string(s)
				}
				fmt.Fprintf(&sb, ": %s", strings.Join(stages, ", "))
			}
			sb.WriteString(")_\n")
		}
	}
	return sb.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
