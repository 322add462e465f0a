// Package helpers provides the fake services and the server harness the
// registry proxy integration suite runs against.
package helpers

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const manifestContentType = "application/vnd.docker.distribution.manifest.v2+json"

// FakeRepo is the in-memory state of one upstream repository.
type FakeRepo struct {
	Tags      map[string]string // tag -> manifest digest
	Manifests map[string][]byte // digest -> manifest payload
	Blobs     map[string][]byte // digest -> blob payload
}

// FakeUpstream is an in-memory upstream Docker registry protected by
// basic auth. Repository names are full upstream names, project prefix
// included.
type FakeUpstream struct {
	Username string
	Password string

	mu      sync.Mutex
	repos   map[string]*FakeRepo
	uploads map[string]string // upload session id -> repository
	srv     *httptest.Server
}

// NewFakeUpstream starts a fake upstream registry accepting the given
// basic auth credentials.
func NewFakeUpstream(username, password string) *FakeUpstream {
	u := &FakeUpstream{
		Username: username,
		Password: password,
		repos:    make(map[string]*FakeRepo),
		uploads:  make(map[string]string),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

// URL returns the upstream's base URL.
func (u *FakeUpstream) URL() string { return u.srv.URL }

// Close shuts the upstream down.
func (u *FakeUpstream) Close() { u.srv.Close() }

// PutManifest stores a manifest under the tag and returns its digest.
func (u *FakeUpstream) PutManifest(repo, tag string, payload []byte) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec := u.repo(repo)
	digest := digestOf(payload)
	rec.Manifests[digest] = payload
	rec.Tags[tag] = digest
	return digest
}

// PutBlob stores a blob and returns its digest.
func (u *FakeUpstream) PutBlob(repo string, payload []byte) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec := u.repo(repo)
	digest := digestOf(payload)
	rec.Blobs[digest] = payload
	return digest
}

// HasManifest reports whether the repository holds a manifest with the
// digest.
func (u *FakeUpstream) HasManifest(repo, digest string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.repos[repo]
	if !ok {
		return false
	}
	_, ok = rec.Manifests[digest]
	return ok
}

// HasBlob reports whether the repository holds a blob with the digest.
func (u *FakeUpstream) HasBlob(repo, digest string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.repos[repo]
	if !ok {
		return false
	}
	_, ok = rec.Blobs[digest]
	return ok
}

func (u *FakeUpstream) repo(name string) *FakeRepo {
	rec, ok := u.repos[name]
	if !ok {
		rec = &FakeRepo{
			Tags:      make(map[string]string),
			Manifests: make(map[string][]byte),
			Blobs:     make(map[string][]byte),
		}
		u.repos[name] = rec
	}
	return rec
}

func (u *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || username != u.Username || password != u.Password {
		w.Header().Set("WWW-Authenticate", `Basic realm="upstream"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/v2/" || path == "/v2":
		writeJSON(w, http.StatusOK, map[string]any{})
	case path == "/v2/_catalog":
		u.serveCatalog(w, r)
	case strings.HasSuffix(path, "/tags/list"):
		u.serveTags(w, r)
	case strings.Contains(path, "/manifests/"):
		u.serveManifest(w, r)
	case strings.Contains(path, "/blobs/uploads"):
		u.serveBlobUpload(w, r)
	case strings.Contains(path, "/blobs/"):
		u.serveBlob(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (u *FakeUpstream) serveCatalog(w http.ResponseWriter, r *http.Request) {
	n := len(u.repos)
	if value := r.URL.Query().Get("n"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			http.Error(w, "invalid page size", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	last := r.URL.Query().Get("last")

	names := make([]string, 0, len(u.repos))
	for name := range u.repos {
		if name > last {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	more := false
	if len(names) > n {
		names = names[:n]
		more = true
	}
	if more && len(names) > 0 {
		next := url.Values{
			"n":    []string{strconv.Itoa(n)},
			"last": []string{names[len(names)-1]},
		}
		w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?%s>; rel="next"`, next.Encode()))
	}
	writeJSON(w, http.StatusOK, map[string][]string{"repositories": names})
}

func (u *FakeUpstream) serveTags(w http.ResponseWriter, r *http.Request) {
	repo := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/"), "/tags/list")
	rec, ok := u.repos[repo]
	if !ok {
		writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN",
			"repository name not known to registry", repo)
		return
	}

	tags := make([]string, 0, len(rec.Tags))
	for tag := range rec.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	writeJSON(w, http.StatusOK, map[string]any{"name": repo, "tags": tags})
}

func (u *FakeUpstream) serveManifest(w http.ResponseWriter, r *http.Request) {
	repo, ref, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/manifests/")
	rec, ok := u.repos[repo]

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if !ok {
			writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN",
				"repository name not known to registry", repo)
			return
		}
		digest := ref
		if d, found := rec.Tags[ref]; found {
			digest = d
		}
		payload, found := rec.Manifests[digest]
		if !found {
			writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN",
				"manifest unknown", repo)
			return
		}
		w.Header().Set("Content-Type", manifestContentType)
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(payload)
		}

	case http.MethodPut:
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read manifest", http.StatusBadRequest)
			return
		}
		rec = u.repo(repo)
		digest := digestOf(payload)
		rec.Manifests[digest] = payload
		if !strings.HasPrefix(ref, "sha256:") {
			rec.Tags[ref] = digest
		}
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Location", "/v2/"+repo+"/manifests/"+digest)
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		if !ok {
			writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN",
				"repository name not known to registry", repo)
			return
		}
		if _, found := rec.Manifests[ref]; !found {
			writeRegistryError(w, http.StatusNotFound, "MANIFEST_UNKNOWN",
				"manifest unknown", repo)
			return
		}
		delete(rec.Manifests, ref)
		for tag, digest := range rec.Tags {
			if digest == ref {
				delete(rec.Tags, tag)
			}
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (u *FakeUpstream) serveBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo, session, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/blobs/uploads")
	session = strings.TrimPrefix(session, "/")

	switch r.Method {
	case http.MethodPost:
		mount := r.URL.Query().Get("mount")
		from := r.URL.Query().Get("from")
		if mount != "" && from != "" {
			if src, ok := u.repos[from]; ok {
				if payload, ok := src.Blobs[mount]; ok {
					u.repo(repo).Blobs[mount] = payload
					w.Header().Set("Docker-Content-Digest", mount)
					w.Header().Set("Location", "/v2/"+repo+"/blobs/"+mount)
					w.WriteHeader(http.StatusCreated)
					return
				}
			}
			// Fall through to a regular upload, the way registries
			// behave when the source blob is missing.
		}
		id := uuid.NewString()
		u.uploads[id] = repo
		w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/"+id)
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPut:
		if _, ok := u.uploads[session]; !ok {
			writeRegistryError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN",
				"blob upload unknown to registry", repo)
			return
		}
		delete(u.uploads, session)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read blob", http.StatusBadRequest)
			return
		}
		digest := r.URL.Query().Get("digest")
		if digest == "" {
			digest = digestOf(payload)
		}
		u.repo(repo).Blobs[digest] = payload
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Location", "/v2/"+repo+"/blobs/"+digest)
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (u *FakeUpstream) serveBlob(w http.ResponseWriter, r *http.Request) {
	repo, digest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/blobs/")
	rec, ok := u.repos[repo]
	if !ok {
		writeRegistryError(w, http.StatusNotFound, "NAME_UNKNOWN",
			"repository name not known to registry", repo)
		return
	}
	payload, ok := rec.Blobs[digest]
	if !ok {
		writeRegistryError(w, http.StatusNotFound, "BLOB_UNKNOWN",
			"blob unknown to registry", repo)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(payload)
	}
}

func digestOf(payload []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(payload))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRegistryError renders a Docker registry error envelope. The
// repository detail carries the full upstream name, exactly what the
// proxy has to scrub before it reaches callers.
func writeRegistryError(w http.ResponseWriter, status int, code, message, repo string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{
			"code":    code,
			"message": message,
			"detail":  map[string]string{"name": repo},
		}},
	})
}
