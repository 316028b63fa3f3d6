package apisec

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/soclab/argus/internal/models"
)

func TestClassifyAccess(t *testing.T) {
	tests := []struct {
		name string
		res  probeResult
		want string
	}{
		{
			name: "404 is not found",
			res:  probeResult{Status: 404},
			want: models.AccessNotFound,
		},
		{
			name: "401 requires login",
			res:  probeResult{Status: 401},
			want: models.AccessRequiresLogin,
		},
		{
			name: "403 requires login",
			res:  probeResult{Status: 403},
			want: models.AccessRequiresLogin,
		},
		{
			name: "redirect to login requires login",
			res: probeResult{
				Status: 302,
				Header: http.Header{"Location": []string{"https://sso.example.com/signin?next=/"}},
			},
			want: models.AccessRequiresLogin,
		},
		{
			name: "redirect elsewhere is public",
			res: probeResult{
				Status: 301,
				Header: http.Header{"Location": []string{"https://example.com/home"}},
			},
			want: models.AccessPublic,
		},
		{
			name: "json payload without auth is unauthenticated private",
			res: probeResult{
				Status:      200,
				ContentType: "application/json;charset=utf-8",
				Body:        `{"users":[{"id":1,"name":"alice"}]}`,
				Size:        35,
			},
			want: models.AccessUnauthPrivate,
		},
		{
			name: "json shape without content type still counts",
			res: probeResult{
				Status: 200,
				Body:   `[{"id":1},{"id":2},{"id":3}]`,
				Size:   28,
			},
			want: models.AccessUnauthPrivate,
		},
		{
			name: "tiny json body is public",
			res: probeResult{
				Status:      200,
				ContentType: "application/json",
				Body:        `{}`,
				Size:        2,
			},
			want: models.AccessPublic,
		},
		{
			name: "html login page requires login",
			res: probeResult{
				Status:      200,
				ContentType: "text/html",
				Body:        `<html><form action="/login">...</form></html>`,
				Size:        45,
			},
			want: models.AccessRequiresLogin,
		},
		{
			name: "plain page is public",
			res: probeResult{
				Status:      200,
				ContentType: "text/html",
				Body:        "<html>welcome</html>",
				Size:        20,
			},
			want: models.AccessPublic,
		},
		{
			name: "server error is public",
			res:  probeResult{Status: 500},
			want: models.AccessPublic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyAccess(tt.res))
		})
	}
}

func TestDetectTechnologies(t *testing.T) {
	res := probeResult{
		Body: "Whitelabel Error Page ... Apache Tomcat/9.0.65",
		Header: http.Header{
			"Server":     []string{"nginx/1.25.3"},
			"Set-Cookie": []string{"rememberMe=deleteMe; Path=/"},
		},
	}
	assert.Equal(t, []string{"SpringBoot", "Shiro", "Tomcat", "Nginx"}, detectTechnologies(res))

	assert.Empty(t, detectTechnologies(probeResult{Body: "hello", Header: http.Header{}}))
}

func TestServicePathOf(t *testing.T) {
	assert.Equal(t, "/user", servicePathOf("/user/info"))
	assert.Equal(t, "/user", servicePathOf("/user/list/all"))
	assert.Equal(t, "/api", servicePathOf("/api/v1/orders"))
	assert.Equal(t, "/", servicePathOf("/health"))
	assert.Equal(t, "/", servicePathOf("/"))
}
