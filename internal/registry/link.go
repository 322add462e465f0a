package registry

import (
	"fmt"
	"net/http"
	"strings"
)

// NextLinkURL returns the target of the rel="next" web link in h, or the
// empty string when there is none. Registries use these links for
// catalog and tags pagination.
func NextLinkURL(h http.Header) string {
	for _, value := range h.Values("Link") {
		for _, link := range strings.Split(value, ",") {
			target, params, ok := strings.Cut(link, ";")
			if !ok {
				continue
			}
			if !strings.Contains(params, `rel="next"`) && !strings.Contains(params, "rel=next") {
				continue
			}
			target = strings.TrimSpace(target)
			if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}

// FormatNextLink renders a rel="next" Link header value for target.
func FormatNextLink(target string) string {
	return fmt.Sprintf(`<%s>; rel="next"`, target)
}
