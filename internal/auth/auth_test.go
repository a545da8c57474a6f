package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthenticator(secret string) *Authenticator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuthenticator(secret, "dropship-orders", logger)
}

func TestIssueAndParseToken(t *testing.T) {
	a := newAuthenticator("secret")

	token, err := a.IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	principal, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal)

	unverified, err := PrincipalOf(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", unverified)
}

func TestParseTokenRejects(t *testing.T) {
	a := newAuthenticator("secret")

	expired, err := a.IssueToken("user-1", -time.Minute)
	require.NoError(t, err)
	foreign, err := newAuthenticator("other").IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong secret", foreign},
		{"garbage", "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssueTokenRequiresPrincipal(t *testing.T) {
	_, err := newAuthenticator("secret").IssueToken("", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	a := newAuthenticator("secret")
	token, err := a.IssueToken("user-7", time.Hour)
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Use(a.Middleware())
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFrom(r.Context())
		w.Write([]byte(principal))
	})

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{"header", "/whoami", "Bearer " + token, http.StatusOK, "user-7"},
		{"query parameter", "/whoami?access_token=" + token, "", http.StatusOK, "user-7"},
		{"missing", "/whoami", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/whoami", "Basic " + token, http.StatusUnauthorized, ""},
		{"invalid", "/whoami", "Bearer nope", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
