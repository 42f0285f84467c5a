package vectordb

import "github.com/lodestone-ai/lodestone/internal/models"

// BuildAccessFilter is the tenancy boundary for every store read: results
// must belong to the caller's tenant AND share at least one access principal,
// optionally narrowed to specific spaces. Every search and scroll in the
// retrieval path goes through this filter; nothing else enforces isolation.
func BuildAccessFilter(tenantID string, principals []string, spaceIDs []string) *Filter {
	f := &Filter{
		Must: []Condition{
			MatchValue(models.PayloadKeyTenant, tenantID),
			MatchAny(models.PayloadKeyACL, principals),
		},
	}
	if len(spaceIDs) > 0 {
		f.Must = append(f.Must, MatchAny(models.PayloadKeySpaceID, spaceIDs))
	}
	return f
}

// SectionFilter narrows an access filter to one document's section subtree
// and excludes chunks the caller already holds.
func SectionFilter(access *Filter, docID, sectionPrefix string, excludeIDs []string) *Filter {
	f := &Filter{}
	if access != nil {
		f.Must = append(f.Must, access.Must...)
		f.Should = append(f.Should, access.Should...)
		f.MustNot = append(f.MustNot, access.MustNot...)
	}
	f.Must = append(f.Must, MatchValue(models.PayloadKeyDocID, docID))
	if sectionPrefix != "" {
		f.Must = append(f.Must, MatchText(models.PayloadKeySectionPath, sectionPrefix))
	}
	if len(excludeIDs) > 0 {
		f.MustNot = append(f.MustNot, ExcludeIDs(excludeIDs))
	}
	return f
}
