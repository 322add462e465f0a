package httpclient_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

func TestHTTPClient(t *testing.T) {
	t.Parallel()
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTPClient Suite")
}

var _ = Describe("New", func() {
	var mockServer *httptest.Server

	AfterEach(func() {
		if mockServer != nil {
			mockServer.Close()
			mockServer = nil
		}
	})

	It("passes redirects through by default", func() {
		mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/start" {
				http.Redirect(w, r, "/target", http.StatusTemporaryRedirect)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		client := httpclient.New(httpclient.Options{})
		resp, err := client.Get(mockServer.URL + "/start")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusTemporaryRedirect))
		Expect(resp.Header.Get("Location")).To(Equal("/target"))
	})

	It("follows redirects when enabled", func() {
		mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/start" {
				http.Redirect(w, r, "/target", http.StatusTemporaryRedirect)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("landed"))
		}))

		client := httpclient.New(httpclient.Options{FollowRedirects: true})
		resp, err := client.Get(mockServer.URL + "/start")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("does not ask the server for compressed responses", func() {
		var acceptEncoding string
		mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acceptEncoding = r.Header.Get("Accept-Encoding")
			w.WriteHeader(http.StatusOK)
		}))

		client := httpclient.New(httpclient.Options{})
		resp, err := client.Get(mockServer.URL)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		Expect(acceptEncoding).To(BeEmpty())
	})

	It("applies the overall timeout", func() {
		mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(500 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))

		client := httpclient.New(httpclient.Options{Timeout: 50 * time.Millisecond})
		_, err := client.Get(mockServer.URL) //nolint:bodyclose // the request fails
		Expect(err).To(HaveOccurred())
	})
})
