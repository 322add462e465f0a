package registry

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URLFactory composes upstream URLs and translates repository names
// between registry space and upstream space by applying the configured
// project prefix.
type URLFactory struct {
	registryOrigin  *url.URL
	upstreamOrigin  *url.URL
	upstreamProject string
	upstreamRepo    string
}

// NewURLFactory creates a factory translating between registryOrigin and
// upstreamOrigin. upstreamRepo is an optional extra path element nested
// under the project, used by upstreams that group repositories.
func NewURLFactory(registryOrigin, upstreamOrigin *url.URL, upstreamProject, upstreamRepo string) *URLFactory {
	return &URLFactory{
		registryOrigin:  registryOrigin,
		upstreamOrigin:  upstreamOrigin,
		upstreamProject: upstreamProject,
		upstreamRepo:    upstreamRepo,
	}
}

// UpstreamImagePrefix returns the path prefix upstream repository names
// carry, with a trailing slash.
func (f *URLFactory) UpstreamImagePrefix() string {
	return f.upstreamPrefix() + "/"
}

func (f *URLFactory) upstreamPrefix() string {
	if f.upstreamRepo == "" {
		return f.upstreamProject
	}
	return f.upstreamProject + "/" + f.upstreamRepo
}

// CreateUpstreamVersionCheckURL returns the upstream API version check
// endpoint. The trailing slash is part of the protocol.
func (f *URLFactory) CreateUpstreamVersionCheckURL() *url.URL {
	u := *f.upstreamOrigin
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v2/"
	u.RawQuery = ""
	return &u
}

// CreateUpstreamCatalogURL returns the upstream catalog page URL for the
// given page size and continuation token.
func (f *URLFactory) CreateUpstreamCatalogURL(n int, last string) *url.URL {
	u := *f.upstreamOrigin
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v2/_catalog"
	q := url.Values{"n": []string{strconv.Itoa(n)}}
	if last != "" {
		q.Set("last", last)
	}
	u.RawQuery = q.Encode()
	return &u
}

// CreateUpstreamRepoURL maps a registry request URL into upstream space.
// Passthrough URLs are only rebased onto the upstream origin.
func (f *URLFactory) CreateUpstreamRepoURL(r RepoURL) RepoURL {
	if r.AllowSkipPermissions {
		return r.WithOrigin(f.upstreamOrigin)
	}
	out := r.WithRepo(f.upstreamPrefix() + "/" + r.Repo)
	if r.MountedRepo != "" {
		out = out.WithMountedRepo(f.upstreamPrefix() + "/" + r.MountedRepo)
	}
	return out.WithOrigin(f.upstreamOrigin)
}

// CreateRegistryRepoURL maps an upstream URL back into registry space,
// stripping the project prefix from the repository name. It fails when
// the upstream name does not carry the configured prefix.
func (f *URLFactory) CreateRegistryRepoURL(r RepoURL) (RepoURL, error) {
	if r.AllowSkipPermissions {
		return r.WithOrigin(f.registryOrigin), nil
	}
	name, err := f.StripUpstreamPrefix(r.Repo)
	if err != nil {
		return RepoURL{}, err
	}
	out := r.WithRepo(name)
	if r.MountedRepo != "" {
		mounted, err := f.StripUpstreamPrefix(r.MountedRepo)
		if err != nil {
			return RepoURL{}, err
		}
		out = out.WithMountedRepo(mounted)
	}
	return out.WithOrigin(f.registryOrigin), nil
}

// StripUpstreamPrefix converts an upstream repository name into its
// registry-space name.
func (f *URLFactory) StripUpstreamPrefix(repo string) (string, error) {
	project, name, found := strings.Cut(repo, "/")
	if !found {
		project, name = "", repo
	}
	if project != f.upstreamProject {
		return "", fmt.Errorf("upstream project %q does not match the configured project %q", project, f.upstreamProject)
	}
	if f.upstreamRepo != "" {
		rest, found := strings.CutPrefix(name, f.upstreamRepo+"/")
		if !found {
			return "", fmt.Errorf("upstream repo %q does not carry the configured prefix %q", repo, f.upstreamRepo)
		}
		name = rest
	}
	return name, nil
}
