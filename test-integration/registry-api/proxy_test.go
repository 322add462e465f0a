package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
	"github.com/apolo-platform/platform-registry-api/test-integration/registry-api/helpers"
)

const (
	alice         = "alice"
	alicePassword = "wonderland"

	appRepo    = "alice/proj/app"
	secretRepo = "bob/proj/secret"
	baseRepo   = "library/base"
)

var _ = Describe("Registry proxy", Label("proxy"), func() {
	var (
		harness   *helpers.RegistryHarness
		appDigest string
	)

	BeforeEach(func() {
		harness = helpers.StartHarness(helpers.HarnessOptions{})

		harness.Auth.AddUser(alice, alicePassword,
			authz.Permission{URI: "image://default/alice", Action: authz.ActionManage},
			authz.Permission{URI: "image://default/library", Action: authz.ActionRead},
		)
		harness.Auth.SetTree(alice, authz.Tree{
			Path: "image://default",
			SubTree: authz.SubTree{
				Action: authz.ActionList,
				Children: map[string]*authz.SubTree{
					"alice":   {Action: authz.ActionManage},
					"library": {Action: authz.ActionRead},
				},
			},
		})

		appDigest = harness.Upstream.PutManifest(
			"test-project/"+appRepo, "v1", manifestPayload("app-v1"))
		harness.Upstream.PutManifest(
			"test-project/"+appRepo, "v2", manifestPayload("app-v2"))
		harness.Upstream.PutManifest(
			"test-project/"+secretRepo, "v1", manifestPayload("secret-v1"))
		harness.Upstream.PutManifest(
			"test-project/"+baseRepo, "latest", manifestPayload("base-latest"))
	})

	AfterEach(func() {
		harness.Close()
	})

	Context("version check", func() {
		It("confirms the v2 API to authenticated callers", func() {
			resp, err := harness.Get("/v2/", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("X-Service-Version")).To(Equal("platform-registry-api/integration"))
			Expect(readBody(resp)).To(MatchJSON(`{}`))
		})

		It("challenges anonymous callers", func() {
			resp, err := harness.Get("/v2/", "", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(Equal(`Basic realm="Integration Registry"`))
			closeBody(resp)
		})

		It("rejects wrong passwords", func() {
			resp, err := harness.Get("/v2/", alice, "nope")
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(readBody(resp)).To(ContainSubstring("invalid credentials"))
		})
	})

	Context("catalog", func() {
		It("lists only the repositories the caller may see", func() {
			resp, err := harness.Get("/v2/_catalog", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeCatalog(resp)).To(Equal([]string{appRepo, baseRepo}))
		})

		It("pages through the filtered listing", func() {
			resp, err := harness.Get("/v2/_catalog?n=1", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeCatalog(resp)).To(Equal([]string{appRepo}))

			next := registry.NextLinkURL(resp.Header)
			Expect(next).To(Equal("/v2/_catalog?n=1000&last=" + url.QueryEscape("test-project/"+appRepo)))

			resp, err = harness.Get(next, alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeCatalog(resp)).To(Equal([]string{baseRepo}))
			Expect(registry.NextLinkURL(resp.Header)).To(BeEmpty())
		})

		It("returns an empty listing when the tree denies everything", func() {
			harness.Auth.AddUser("mallory", "hunter2")

			resp, err := harness.Get("/v2/_catalog", "mallory", "hunter2")
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeCatalog(resp)).To(BeEmpty())
		})

		It("restricts the listing to the caller's project memberships", func() {
			harness.Admin.SetProjects(alice,
				admin.ProjectMembership{OrgName: "alice", ProjectName: "proj"})

			resp, err := harness.Get("/v2/_catalog?org=alice&project=proj", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeCatalog(resp)).To(Equal([]string{appRepo}))
		})

		It("rejects unknown catalog parameters", func() {
			resp, err := harness.Get("/v2/_catalog?number=10", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(ContainSubstring("unknown catalog parameter"))
		})
	})

	Context("tags", func() {
		It("rewrites upstream names in tags listings", func() {
			resp, err := harness.Get("/v2/"+appRepo+"/tags/list", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var payload struct {
				Name string   `json:"name"`
				Tags []string `json:"tags"`
			}
			Expect(json.Unmarshal([]byte(readBody(resp)), &payload)).To(Succeed())
			Expect(payload.Name).To(Equal(appRepo))
			Expect(payload.Tags).To(ConsistOf("v1", "v2"))
		})

		It("denies tags listings the caller cannot read", func() {
			resp, err := harness.Get("/v2/"+secretRepo+"/tags/list", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(readBody(resp)).To(ContainSubstring("not enough permissions"))
		})
	})

	Context("manifests", func() {
		It("streams manifest pulls", func() {
			resp, err := harness.Get("/v2/"+appRepo+"/manifests/v1", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Docker-Content-Digest")).To(Equal(appDigest))
			Expect(readBody(resp)).To(Equal(string(manifestPayload("app-v1"))))
		})

		It("scrubs upstream names from 404 bodies", func() {
			resp, err := harness.Get("/v2/"+appRepo+"/manifests/missing", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			body := readBody(resp)
			Expect(body).To(ContainSubstring(appRepo))
			Expect(body).NotTo(ContainSubstring("test-project/"))
		})

		It("pushes manifests and maps the Location header back", func() {
			payload := manifestPayload("app-v3")
			resp, err := harness.Do(http.MethodPut, "/v2/"+appRepo+"/manifests/v3",
				alice, alicePassword, bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			digest := resp.Header.Get("Docker-Content-Digest")
			Expect(digest).To(Equal(digestOf(payload)))
			Expect(resp.Header.Get("Location")).To(Equal(
				harness.Server.URL + "/v2/" + appRepo + "/manifests/" + digest))
			Expect(harness.Upstream.HasManifest("test-project/"+appRepo, digest)).To(BeTrue())
		})

		It("denies pushes without write permission", func() {
			resp, err := harness.Do(http.MethodPut, "/v2/"+baseRepo+"/manifests/latest",
				alice, alicePassword, bytes.NewReader(manifestPayload("rogue")))
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(readBody(resp)).To(ContainSubstring("not enough permissions"))
		})

		It("deletes manifests by digest", func() {
			resp, err := harness.Do(http.MethodDelete, "/v2/"+appRepo+"/manifests/"+appDigest,
				alice, alicePassword, nil)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(harness.Upstream.HasManifest("test-project/"+appRepo, appDigest)).To(BeFalse())

			resp, err = harness.Get("/v2/"+appRepo+"/manifests/v1", alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Context("blobs", func() {
		It("mounts blobs from repositories the caller may read", func() {
			layer := []byte("base-layer-bytes")
			layerDigest := harness.Upstream.PutBlob("test-project/"+baseRepo, layer)

			query := url.Values{"mount": {layerDigest}, "from": {baseRepo}}
			resp, err := harness.Do(http.MethodPost,
				"/v2/"+appRepo+"/blobs/uploads/?"+query.Encode(),
				alice, alicePassword, nil)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Location")).To(Equal(
				harness.Server.URL + "/v2/" + appRepo + "/blobs/" + layerDigest))
			Expect(harness.Upstream.HasBlob("test-project/"+appRepo, layerDigest)).To(BeTrue())
		})

		It("refuses mounts from repositories the caller cannot read", func() {
			layer := []byte("secret-layer-bytes")
			layerDigest := harness.Upstream.PutBlob("test-project/"+secretRepo, layer)

			query := url.Values{"mount": {layerDigest}, "from": {secretRepo}}
			resp, err := harness.Do(http.MethodPost,
				"/v2/"+appRepo+"/blobs/uploads/?"+query.Encode(),
				alice, alicePassword, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(readBody(resp)).To(ContainSubstring("not enough permissions"))
			Expect(harness.Upstream.HasBlob("test-project/"+appRepo, layerDigest)).To(BeFalse())
		})

		It("runs a full upload session through the proxy", func() {
			resp, err := harness.Do(http.MethodPost, "/v2/"+appRepo+"/blobs/uploads/",
				alice, alicePassword, nil)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			location := resp.Header.Get("Location")
			Expect(location).To(HavePrefix(harness.Server.URL + "/v2/" + appRepo + "/blobs/uploads/"))

			sessionURL, err := url.Parse(location)
			Expect(err).NotTo(HaveOccurred())

			layer := []byte("pushed-layer-bytes")
			digest := digestOf(layer)
			resp, err = harness.Do(http.MethodPut,
				sessionURL.Path+"?digest="+url.QueryEscape(digest),
				alice, alicePassword, bytes.NewReader(layer))
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)

			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(harness.Upstream.HasBlob("test-project/"+appRepo, digest)).To(BeTrue())

			resp, err = harness.Get("/v2/"+appRepo+"/blobs/"+digest, alice, alicePassword)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal(string(layer)))
		})
	})

	Context("service endpoints", func() {
		It("serves ping without authentication", func() {
			resp, err := harness.Get("/ping", "", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("pong"))
		})

		It("authenticates the artifact passthrough routes", func() {
			path := "/artifacts-uploads/namespaces/test-project/repositories/" +
				appRepo + "/uploads/session-id"

			resp, err := harness.Do(http.MethodPost, path, "", "", nil)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			// Authenticated sessions stream through to the upstream
			// untouched; this one is unknown there.
			resp, err = harness.Do(http.MethodPost, path, alice, alicePassword, nil)
			Expect(err).NotTo(HaveOccurred())
			closeBody(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

func manifestPayload(seed string) []byte {
	return []byte(fmt.Sprintf(`{"schemaVersion": 2, "config": {"digest": %q}}`, seed))
}

func digestOf(payload []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(payload))
}

func readBody(resp *http.Response) string {
	defer closeBody(resp)
	payload, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return strings.TrimRight(string(payload), "\n")
}

func closeBody(resp *http.Response) {
	_ = resp.Body.Close()
}

func decodeCatalog(resp *http.Response) []string {
	defer closeBody(resp)
	var payload struct {
		Repositories []string `json:"repositories"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
	return payload.Repositories
}
