package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
)

// FakeAuthService is an in-memory platform auth service: user passwords,
// permission grants and permission trees, served over the REST surface
// the proxy's authz client speaks.
type FakeAuthService struct {
	// ServiceToken authorizes permission lookups.
	ServiceToken string

	mu     sync.Mutex
	users  map[string]string
	grants map[string][]authz.Permission
	trees  map[string]authz.Tree
	srv    *httptest.Server
}

// NewFakeAuthService starts a fake auth service.
func NewFakeAuthService() *FakeAuthService {
	s := &FakeAuthService{
		ServiceToken: "integration-service-token",
		users:        make(map[string]string),
		grants:       make(map[string][]authz.Permission),
		trees:        make(map[string]authz.Tree),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the service base URL.
func (s *FakeAuthService) URL() *url.URL {
	u, _ := url.Parse(s.srv.URL)
	return u
}

// Close shuts the service down.
func (s *FakeAuthService) Close() { s.srv.Close() }

// AddUser registers a user with a password and permission grants. A grant
// covers every URI nested under its own.
func (s *FakeAuthService) AddUser(name, password string, grants ...authz.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[name] = password
	s.grants[name] = grants
}

// SetTree registers the permission tree returned for the user.
func (s *FakeAuthService) SetTree(name string, tree authz.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[name] = tree
}

func (s *FakeAuthService) handle(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/users/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	name, suffix, _ := strings.Cut(rest, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	password, known := s.users[name]

	switch {
	case suffix == "" && r.Method == http.MethodGet:
		if !known || bearerToken(r) != password {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name})

	case suffix == "permissions/check" && r.Method == http.MethodPost:
		if bearerToken(r) != s.ServiceToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		var requested []authz.Permission
		if err := json.NewDecoder(r.Body).Decode(&requested); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		for _, p := range requested {
			if !s.granted(name, p) {
				http.Error(w, "missing permissions", http.StatusForbidden)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)

	case suffix == "permissions/tree" && r.Method == http.MethodGet:
		if bearerToken(r) != s.ServiceToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		tree, ok := s.trees[name]
		if !ok {
			tree = authz.Tree{
				Path:    r.URL.Query().Get("uri"),
				SubTree: authz.SubTree{Action: authz.ActionDeny},
			}
		}
		writeJSON(w, http.StatusOK, tree)

	default:
		http.NotFound(w, r)
	}
}

// granted reports whether one of the user's grants covers the permission:
// same URI or an ancestor of it, with at least the requested action.
func (s *FakeAuthService) granted(name string, p authz.Permission) bool {
	for _, grant := range s.grants[name] {
		if grant.URI != p.URI && !strings.HasPrefix(p.URI, grant.URI+"/") {
			continue
		}
		if grant.Action.Covers(p.Action) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// FakeAdminService is an in-memory platform admin service resolving user
// project memberships.
type FakeAdminService struct {
	// ServiceToken authorizes user lookups.
	ServiceToken string

	mu       sync.Mutex
	projects map[string][]admin.ProjectMembership
	srv      *httptest.Server
}

// NewFakeAdminService starts a fake admin service.
func NewFakeAdminService() *FakeAdminService {
	s := &FakeAdminService{
		ServiceToken: "integration-admin-token",
		projects:     make(map[string][]admin.ProjectMembership),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the service base URL.
func (s *FakeAdminService) URL() *url.URL {
	u, _ := url.Parse(s.srv.URL)
	return u
}

// Close shuts the service down.
func (s *FakeAdminService) Close() { s.srv.Close() }

// SetProjects registers the project memberships returned for the user.
func (s *FakeAdminService) SetProjects(name string, memberships ...admin.ProjectMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[name] = memberships
}

func (s *FakeAdminService) handle(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutPrefix(r.URL.Path, "/apis/admin/v1/users/")
	if !ok || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if bearerToken(r) != s.ServiceToken {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := admin.User{Name: name}
	if r.URL.Query().Get("include") == "projects" {
		user.Projects = s.projects[name]
	}
	writeJSON(w, http.StatusOK, user)
}
