package filtering

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
)

func parseTree(t *testing.T, raw string) authz.Tree {
	t.Helper()

	var tree authz.Tree
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))
	return tree
}

func TestImageFilterPrefixAndTree(t *testing.T) {
	t.Parallel()

	tree := parseTree(t, `{
		"path": "/",
		"action": "list",
		"children": {
			"alice": {"action": "manage", "children": {}},
			"shared": {
				"action": "list",
				"children": {"img": {"action": "read", "children": {}}}
			}
		}
	}`)

	tests := []struct {
		name         string
		prefix       string
		upstreamRepo string
		expected     string
		ok           bool
	}{
		{"own image", "project/", "project/alice/img", "alice/img", true},
		{"tree denies", "project/", "project/bob/img", "", false},
		{"shared image", "project/", "project/shared/img", "shared/img", true},
		{"shared subtree not granted", "project/", "project/shared/other", "", false},
		{"prefix mismatch", "project/", "other/alice/img", "", false},
		{"bare prefix", "project/", "project/", "", false},
		{"nested upstream repo", "project/repo/", "project/repo/alice/img", "alice/img", true},
		{"nested prefix mismatch", "project/repo/", "project/alice/img", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filter := NewImageFilter(ImageFilterOptions{Prefix: tt.prefix, Tree: tree})
			name, ok := filter.FilterRepo(context.Background(), tt.upstreamRepo)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, name)
		})
	}
}

func TestImageFilterMembershipRestriction(t *testing.T) {
	t.Parallel()

	tree := parseTree(t, `{"path": "/", "action": "manage", "children": {}}`)
	memberships := []admin.ProjectMembership{
		{OrgName: "acme", ProjectName: "ml"},
		{OrgName: "acme", ProjectName: "web"},
		{OrgName: "", ProjectName: "legacy"},
	}

	tests := []struct {
		name         string
		org          string
		project      string
		upstreamRepo string
		expected     string
		ok           bool
	}{
		{"org filter matches", "acme", "", "project/acme/ml/img", "acme/ml/img", true},
		{"org filter second project", "acme", "", "project/acme/web/img", "acme/web/img", true},
		{"org filter hides foreign org", "acme", "", "project/globex/ml/img", "", false},
		{"project filter", "", "ml", "project/acme/ml/img", "acme/ml/img", true},
		{"project filter hides others", "", "ml", "project/acme/web/img", "", false},
		{"org and project", "acme", "web", "project/acme/web/img", "acme/web/img", true},
		{"no matching membership", "globex", "", "project/globex/ml/img", "", false},
		{"orgless membership", "", "legacy", "project/legacy/img", "legacy/img", true},
		{"unrestricted ignores memberships", "", "", "project/globex/ml/img", "globex/ml/img", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filter := NewImageFilter(ImageFilterOptions{
				Prefix:      "project/",
				Tree:        tree,
				Memberships: memberships,
				Org:         tt.org,
				Project:     tt.project,
			})
			name, ok := filter.FilterRepo(context.Background(), tt.upstreamRepo)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, name)
		})
	}
}
