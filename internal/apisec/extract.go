package apisec

import (
	"regexp"
	"strings"
)

// scriptSrcRe pulls script references out of HTML.
var scriptSrcRe = regexp.MustCompile(`(?i)<script[^>]+src=["']([^"']+)["']`)

// jsURLRe catches .js references mentioned outside script tags, e.g. in
// webpack manifests embedded in the page.
var jsURLRe = regexp.MustCompile(`["']([^"']+\.js(?:\?[^"']*)?)["']`)

// apiPathRe matches quoted path literals inside JavaScript. The candidate
// set is filtered further by looksLikeAPIPath.
var apiPathRe = regexp.MustCompile("[\"'`](/[a-zA-Z0-9_\\-./{}]{2,200})[\"'`]")

// staticExtensions are asset paths that are never API endpoints.
var staticExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".eot", ".map", ".html", ".htm",
}

// extractScriptURLs returns the JS references found in an HTML document.
func extractScriptURLs(html string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") || seen[ref] {
			return
		}
		seen[ref] = true
		out = append(out, ref)
	}
	for _, m := range scriptSrcRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	for _, m := range jsURLRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	return out
}

// extractAPIPaths returns the API path candidates found in a JS body,
// deduplicated in first-seen order.
func extractAPIPaths(js string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range apiPathRe.FindAllStringSubmatch(js, -1) {
		p := m[1]
		if seen[p] || !looksLikeAPIPath(p) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// looksLikeAPIPath filters path literals down to plausible API endpoints:
// multi-segment, not a static asset, not a bare version marker.
func looksLikeAPIPath(p string) bool {
	if len(p) < 2 || strings.Contains(p, "//") || strings.Contains(p, " ") {
		return false
	}
	lower := strings.ToLower(p)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	// A lone "/" or "/x" carries no routing information
	if strings.Count(p, "/") < 2 && !strings.HasPrefix(lower, "/api") {
		return false
	}
	return true
}
