// Package auth carries the caller identity consumed by the retrieval
// pipeline. Token verification happens upstream; by the time a request
// reaches this service the caller arrives as a resolved UserContext.
package auth

import (
	"sort"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/models"
)

// AdminGroup members may use the guardrail bypass when a tenant enables it.
const AdminGroup = "admin"

// UserContext represents the authenticated context for a request.
type UserContext struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	GroupIDs []string `json:"groupIds"`
	Language string   `json:"language,omitempty"`
}

// Validate rejects anonymous or tenant-less callers before any retrieval
// work starts.
func (u *UserContext) Validate() error {
	if u == nil || u.ID == "" || u.TenantID == "" {
		return apperr.New(apperr.CodeUnauthorized, "caller id and tenant id are required")
	}
	return nil
}

// AccessPrincipals returns the caller's group ids plus the public principal,
// deduplicated and sorted. Every outbound retrieval filter uses this set.
func (u *UserContext) AccessPrincipals() []string {
	seen := map[string]struct{}{models.PublicPrincipal: {}}
	out := []string{models.PublicPrincipal}
	for _, g := range u.GroupIDs {
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// IsAdmin reports whether the caller belongs to the admin group.
func (u *UserContext) IsAdmin() bool {
	for _, g := range u.GroupIDs {
		if g == AdminGroup {
			return true
		}
	}
	return false
}
