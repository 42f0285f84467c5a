package section

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lodestone-ai/lodestone/internal/chunking"
	"github.com/lodestone-ai/lodestone/internal/models"
)

// Reconstruction trigger reasons, in precedence order.
const (
	TriggerMissingSequentialPart = "missing_sequential_part"
	TriggerBaseAndParts          = "base_section_and_parts_found"
	TriggerBaseTableSyntax       = "base_section_only_with_table_syntax"
	TriggerSinglePart0Table      = "single_part_0_with_table_syntax"
	TriggerTableSyntax           = "markdown_table_syntax_found"
	TriggerPartialStructure      = "partial_structure"
)

var triggerConfidence = map[string]float64{
	TriggerMissingSequentialPart: 0.8,
	TriggerBaseAndParts:          0.9,
	TriggerBaseTableSyntax:       0.8,
	TriggerSinglePart0Table:      0.9,
	TriggerTableSyntax:           0.85,
	TriggerPartialStructure:      0.7,
}

var sectionPathRe = regexp.MustCompile(`^(block_\d+)(?:/part_(\d+))?$`)

// parseSectionPath splits a payload section path into its base and part
// index. The base node itself reports part 0 with isBase set.
func parseSectionPath(path string) (base string, part int, isBase bool, ok bool) {
	m := sectionPathRe.FindStringSubmatch(path)
	if m == nil {
		return "", 0, false, false
	}
	if m[2] == "" {
		return m[1], 0, true, true
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false, false
	}
	return m[1], n, false, true
}

// member is one retrieved chunk inside a section group.
type member struct {
	result models.SearchResult
	part   int
	isBase bool
}

// group collects the retrieved chunks of one (docId, base) section.
type group struct {
	docID   string
	base    string
	members []member
}

func (g *group) bestScore() float64 {
	best := 0.0
	for _, m := range g.members {
		if m.result.Score > best {
			best = m.result.Score
		}
	}
	return best
}

func (g *group) hasBase() bool {
	for _, m := range g.members {
		if m.isBase {
			return true
		}
	}
	return false
}

// partIndices returns the sorted distinct part indices, base excluded.
func (g *group) partIndices() []int {
	seen := make(map[int]bool)
	for _, m := range g.members {
		if !m.isBase {
			seen[m.part] = true
		}
	}
	parts := make([]int, 0, len(seen))
	for p := range seen {
		parts = append(parts, p)
	}
	sort.Ints(parts)
	return parts
}

func (g *group) memberIDs() []string {
	ids := make([]string, len(g.members))
	for i, m := range g.members {
		ids[i] = m.result.ID
	}
	return ids
}

func (g *group) anyTableSyntax() bool {
	for _, m := range g.members {
		if chunking.HasTableSyntax(m.result.Content) {
			return true
		}
	}
	return false
}

// detectGroups buckets results by (docId, base) in first-seen order. Results
// without a parseable section path are ignored.
func detectGroups(results []models.SearchResult) []*group {
	byKey := make(map[string]*group)
	var ordered []*group
	for i := range results {
		base, part, isBase, ok := parseSectionPath(results[i].SectionPath())
		if !ok {
			continue
		}
		key := results[i].DocID() + "\x00" + base
		g, exists := byKey[key]
		if !exists {
			g = &group{docID: results[i].DocID(), base: base}
			byKey[key] = g
			ordered = append(ordered, g)
		}
		g.members = append(g.members, member{result: results[i], part: part, isBase: isBase})
	}
	return ordered
}

// evaluate returns the highest-precedence trigger for the group, or "" when
// nothing fires.
func evaluate(g *group, minProximity float64, minChunks int) (string, float64) {
	if len(g.members) < minChunks {
		return "", 0
	}
	if g.bestScore() < minProximity {
		return "", 0
	}

	parts := g.partIndices()
	hasBase := g.hasBase()

	if hasGap(parts) {
		return TriggerMissingSequentialPart, triggerConfidence[TriggerMissingSequentialPart]
	}
	if hasBase && len(parts) > 0 {
		return TriggerBaseAndParts, triggerConfidence[TriggerBaseAndParts]
	}
	if hasBase && len(parts) == 0 && g.anyTableSyntax() {
		return TriggerBaseTableSyntax, triggerConfidence[TriggerBaseTableSyntax]
	}
	if !hasBase && len(g.members) == 1 && len(parts) == 1 && g.anyTableSyntax() {
		if parts[0] == 0 {
			return TriggerSinglePart0Table, triggerConfidence[TriggerSinglePart0Table]
		}
		return TriggerTableSyntax, triggerConfidence[TriggerTableSyntax]
	}
	if len(parts) >= 2 {
		return TriggerPartialStructure, triggerConfidence[TriggerPartialStructure]
	}
	return "", 0
}

// hasGap reports whether the sorted part indices skip a sequence position.
func hasGap(parts []int) bool {
	for i := 1; i < len(parts); i++ {
		if parts[i]-parts[i-1] > 1 {
			return true
		}
	}
	return false
}

// sortMembers orders chunks for text merging: by part index, base node ahead
// of its part_0 sibling, id as the final tie-break.
func sortMembers(members []member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].part != members[j].part {
			return members[i].part < members[j].part
		}
		if members[i].isBase != members[j].isBase {
			return members[i].isBase
		}
		return members[i].result.ID < members[j].result.ID
	})
}

// dedupeLines removes exact duplicate lines, keeping the first occurrence.
func dedupeLines(text string) string {
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool, len(lines))
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
