// Package registry models repository names inside registry request URLs
// and translates them between the caller-facing origin and the upstream.
package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	repoPathPattern = regexp.MustCompile(`^/v2/(?P<repo>.+)/(?P<suffix>(tags|manifests|blobs)/.*)$`)

	passthroughPathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/(artifacts-uploads|artifacts-downloads)/namespaces/(?P<project>[^/]+)/repositories/(?P<repo>.+)/(uploads|downloads)/[^/]*$`),
		regexp.MustCompile(`^/v2/(?P<project>[^/]+)/(?P<repo>.+)/pkg/blobs/(uploads|downloads)/[^/]*$`),
	}
)

// RepoURL is a registry request URL together with the repository it
// addresses.
type RepoURL struct {
	// Repo is the repository name extracted from the URL path.
	Repo string

	// MountedRepo is the source repository of a cross-repo blob mount
	// (the "from" query parameter), empty otherwise.
	MountedRepo string

	// URL is the full request URL.
	URL *url.URL

	// AllowSkipPermissions marks upload and download session paths that
	// bypass permission checks and project rewriting. The session was
	// authorized when it was created; its id is opaque to us.
	AllowSkipPermissions bool
}

// ParseRepoURL extracts the repository name from a registry request URL.
// Passthrough grammars (resumable upload/download sessions used by some
// upstreams) are tried before the standard /v2/{repo}/{suffix} grammar.
func ParseRepoURL(u *url.URL) (RepoURL, error) {
	path := u.Path

	for _, re := range passthroughPathPatterns {
		m := re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		repo := m[re.SubexpIndex("project")] + "/" + m[re.SubexpIndex("repo")]
		return RepoURL{
			Repo:                 repo,
			MountedRepo:          u.Query().Get("from"),
			URL:                  u,
			AllowSkipPermissions: true,
		}, nil
	}

	m := repoPathPattern.FindStringSubmatch(path)
	if m == nil {
		return RepoURL{}, fmt.Errorf("unexpected path in a registry URL: %s", u)
	}
	return RepoURL{
		Repo:        m[repoPathPattern.SubexpIndex("repo")],
		MountedRepo: u.Query().Get("from"),
		URL:         u,
	}, nil
}

// WithRepo returns a copy addressing repo, rewriting the first occurrence
// of the old name in the path and keeping the query string.
func (r RepoURL) WithRepo(repo string) RepoURL {
	u := *r.URL
	u.Path = strings.Replace(u.Path, r.Repo, repo, 1)
	if u.RawPath != "" {
		u.RawPath = strings.Replace(u.RawPath, r.Repo, repo, 1)
	}
	r.Repo = repo
	r.URL = &u
	return r
}

// WithMountedRepo returns a copy whose "from" query parameter addresses
// repo.
func (r RepoURL) WithMountedRepo(repo string) RepoURL {
	u := *r.URL
	q := u.Query()
	q.Set("from", repo)
	u.RawQuery = q.Encode()
	r.MountedRepo = repo
	r.URL = &u
	return r
}

// WithOrigin returns a copy rebased onto origin's scheme and host.
func (r RepoURL) WithOrigin(origin *url.URL) RepoURL {
	u := *r.URL
	u.Scheme = origin.Scheme
	u.Host = origin.Host
	r.URL = &u
	return r
}
