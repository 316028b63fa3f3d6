package apisec

import (
	"net/http"
	"strings"

	"github.com/soclab/argus/internal/models"
)

// probeResult is what one endpoint probe observed.
type probeResult struct {
	Status      int
	Size        int
	ContentType string
	Body        string
	Header      http.Header
}

// loginMarkers in a body or redirect target indicate an auth wall.
var loginMarkers = []string{"login", "signin", "sign-in", "sso", "oauth", "authorize", "passport"}

// classifyAccess maps a probe observation onto the access taxonomy.
// Endpoints returning structured data without authentication are the
// interesting case; they are flagged as unauthenticated_private.
func classifyAccess(res probeResult) string {
	switch {
	case res.Status == http.StatusNotFound:
		return models.AccessNotFound
	case res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden:
		return models.AccessRequiresLogin
	case res.Status >= 300 && res.Status < 400:
		if containsLoginMarker(res.Header.Get("Location")) {
			return models.AccessRequiresLogin
		}
		return models.AccessPublic
	case res.Status >= 200 && res.Status < 300:
		if containsLoginMarker(res.Body) && !jsonResponse(res) {
			return models.AccessRequiresLogin
		}
		if jsonResponse(res) && res.Size > 20 {
			return models.AccessUnauthPrivate
		}
		return models.AccessPublic
	default:
		return models.AccessPublic
	}
}

func containsLoginMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range loginMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func jsonResponse(res probeResult) bool {
	if strings.Contains(res.ContentType, "json") {
		return true
	}
	trimmed := strings.TrimSpace(res.Body)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// techSignature detects a backend technology from response shape.
type techSignature struct {
	Name  string
	Match func(res probeResult) bool
}

var techSignatures = []techSignature{
	{"SpringBoot", func(r probeResult) bool {
		return strings.Contains(r.Body, "Whitelabel Error Page") ||
			r.Header.Get("X-Application-Context") != ""
	}},
	{"FastJSON", func(r probeResult) bool {
		return strings.Contains(r.Body, "com.alibaba.fastjson") ||
			strings.Contains(r.Body, "JSONException")
	}},
	{"Shiro", func(r probeResult) bool {
		for _, c := range r.Header.Values("Set-Cookie") {
			if strings.Contains(c, "rememberMe=") {
				return true
			}
		}
		return false
	}},
	{"Tomcat", func(r probeResult) bool {
		return strings.Contains(r.Body, "Apache Tomcat") ||
			strings.Contains(strings.ToLower(r.Header.Get("Server")), "tomcat")
	}},
	{"Nginx", func(r probeResult) bool {
		return strings.Contains(strings.ToLower(r.Header.Get("Server")), "nginx")
	}},
}

// detectTechnologies returns the backend technologies a probe reveals.
func detectTechnologies(res probeResult) []string {
	var out []string
	for _, sig := range techSignatures {
		if sig.Match(res) {
			out = append(out, sig.Name)
		}
	}
	return out
}

// servicePathOf groups endpoints by their first path segment. "/user/info"
// and "/user/list" belong to the same service; a path with a single
// segment groups under "/".
func servicePathOf(apiPath string) string {
	trimmed := strings.TrimPrefix(apiPath, "/")
	if i := strings.IndexByte(trimmed, '/'); i > 0 {
		return "/" + trimmed[:i]
	}
	return "/"
}
