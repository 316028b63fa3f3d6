package models

import "time"

// JSResource is a JavaScript file fetched during API-security phase 1.
type JSResource struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	APIPaths    []string  `json:"api_paths,omitempty"`
	Size        int       `json:"size"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Endpoint access classifications from API-security phase 4.
const (
	AccessNotFound       = "not_found"
	AccessRequiresLogin  = "requires_login"
	AccessPublic         = "public"
	AccessUnauthPrivate  = "unauthenticated_private"
)

// APIEndpoint is a materialised API endpoint candidate from phase 2,
// classified during phase 4.
type APIEndpoint struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	BaseURL      string    `json:"base_url"`
	BaseAPIPath  string    `json:"base_api_path,omitempty"`
	ServicePath  string    `json:"service_path,omitempty"`
	APIPath      string    `json:"api_path"`
	Method       string    `json:"method"`
	Status       int       `json:"status,omitempty"`        // observed HTTP status
	ResponseSize int       `json:"response_size,omitempty"` // observed body size
	Access       string    `json:"access,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullURL joins the endpoint path onto the base URL. ServicePath is
// grouping metadata, already contained in APIPath.
func (e *APIEndpoint) FullURL() string {
	return JoinURL(e.BaseURL, e.BaseAPIPath, e.APIPath)
}

// JoinURL appends path segments to a base URL, normalising slashes.
func JoinURL(base string, parts ...string) string {
	out := base
	for len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	for _, p := range parts {
		if p == "" {
			continue
		}
		if p[0] != '/' {
			out += "/"
		}
		out += p
	}
	return out
}

// Microservice groups endpoints sharing a service path.
type Microservice struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	BaseURL      string    `json:"base_url"`
	ServiceName  string    `json:"service_name"`
	EndpointIDs  []string  `json:"endpoint_ids,omitempty"`
	Technologies []string  `json:"technologies,omitempty"` // SpringBoot, FastJSON, Log4j, ...
	CreatedAt    time.Time `json:"created_at"`
}

// APISecurityIssue is an issue raised by API-security phases 4 and 5.
type APISecurityIssue struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"` // unauthorized_access | sensitive_data
	Severity  Severity  `json:"severity"`
	TargetURL string    `json:"target_url"`
	Evidence  string    `json:"evidence,omitempty"`
	RuleName  string    `json:"rule_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
