// Package filtering decides which upstream repositories a caller may see
// in the catalog and translates their names into caller space.
//
// Visibility is the conjunction of three checks:
//
//   - the upstream name must carry the configured project prefix;
//   - the stripped name must be granted by the caller's permission tree;
//   - when an org or project restriction is requested, the name must
//     belong to one of the caller's matching project memberships.
package filtering

import (
	"context"
	"log/slog"
	"strings"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
)

// ImageFilterOptions configures an ImageFilter.
type ImageFilterOptions struct {
	// Prefix is the upstream image prefix with a trailing slash, for
	// example "project/" or "project/repo/".
	Prefix string

	// Tree is the caller's permission tree under the cluster image URI.
	Tree authz.Tree

	// Memberships are the caller's project memberships. They are only
	// consulted when Org or Project is set.
	Memberships []admin.ProjectMembership

	// Org and Project restrict listing to memberships in the given org
	// and project. Empty values leave the corresponding axis open.
	Org     string
	Project string
}

// ImageFilter is the per-caller catalog visibility filter.
type ImageFilter struct {
	prefix             string
	tree               authz.Tree
	restricted         bool
	membershipPrefixes []string
}

// NewImageFilter builds a filter for one caller. The membership prefixes
// are resolved once so FilterRepo stays a cheap per-entry check.
func NewImageFilter(opts ImageFilterOptions) *ImageFilter {
	f := &ImageFilter{
		prefix:     opts.Prefix,
		tree:       opts.Tree,
		restricted: opts.Org != "" || opts.Project != "",
	}
	if !f.restricted {
		return f
	}
	for _, m := range opts.Memberships {
		if opts.Org != "" && m.OrgName != opts.Org {
			continue
		}
		if opts.Project != "" && m.ProjectName != opts.Project {
			continue
		}
		f.membershipPrefixes = append(f.membershipPrefixes, membershipPrefix(m))
	}
	return f
}

// FilterRepo translates an upstream repository name into caller space and
// reports whether the caller may list it. Names outside the configured
// prefix are logged and hidden; names the permission tree or membership
// restriction denies are hidden silently.
func (f *ImageFilter) FilterRepo(ctx context.Context, upstreamRepo string) (string, bool) {
	name, found := strings.CutPrefix(upstreamRepo, f.prefix)
	if !found || name == "" {
		slog.InfoContext(ctx, "Bad image", "name", upstreamRepo)
		return "", false
	}
	if !f.tree.Allows(name) {
		return "", false
	}
	if f.restricted && !f.matchesMembership(name) {
		return "", false
	}
	return name, true
}

func (f *ImageFilter) matchesMembership(name string) bool {
	for _, prefix := range f.membershipPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// membershipPrefix is the image name prefix owned by a project. Projects
// outside any org use the bare project name.
func membershipPrefix(m admin.ProjectMembership) string {
	if m.OrgName == "" {
		return m.ProjectName + "/"
	}
	return m.OrgName + "/" + m.ProjectName + "/"
}
