package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(userID))
	})
}

func TestMiddleware_Header(t *testing.T) {
	h := auth.Middleware(nil)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set(auth.UserHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_Bearer(t *testing.T) {
	v := auth.NewJWTVerifier([]byte("secret"))
	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	h := auth.Middleware(v)(echoUser())

	tests := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{name: "valid", header: "Bearer " + token, code: http.StatusOK},
		{name: "query token", query: "?access_token=" + token, code: http.StatusOK},
		{name: "missing", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/events"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			req.Header.Set(auth.UserHeader, "mallory")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "alice", rec.Body.String(), "the header is ignored when tokens are required")
			}
		})
	}
}

func TestUserFromContext(t *testing.T) {
	_, ok := auth.UserFromContext(t.Context())
	assert.False(t, ok)

	userID, ok := auth.UserFromContext(auth.WithUser(t.Context(), "bob"))
	assert.True(t, ok)
	assert.Equal(t, "bob", userID)
}
