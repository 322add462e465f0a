package authz

import (
	"fmt"
	"net/http"
)

// Permission is a single authorization requirement checked against the
// platform auth service.
type Permission struct {
	URI    string `json:"uri"`
	Action Action `json:"action"`
}

// ImageURI composes the permission URI for a repository within a cluster.
func ImageURI(cluster, repo string) string {
	return fmt.Sprintf("image://%s/%s", cluster, repo)
}

// CatalogURI composes the permission URI covering all of a cluster's
// images, used to fetch the caller's permission tree.
func CatalogURI(cluster string) string {
	return fmt.Sprintf("image://%s", cluster)
}

// RepoPermissions lists the permissions a registry request needs: read
// for pulls (HEAD and GET), write otherwise, plus read on the mount
// source for cross-repo blob mounts.
func RepoPermissions(cluster, repo, mountedRepo, method string) []Permission {
	action := ActionWrite
	if method == http.MethodHead || method == http.MethodGet {
		action = ActionRead
	}
	permissions := []Permission{{URI: ImageURI(cluster, repo), Action: action}}
	if mountedRepo != "" {
		permissions = append(permissions, Permission{URI: ImageURI(cluster, mountedRepo), Action: ActionRead})
	}
	return permissions
}
