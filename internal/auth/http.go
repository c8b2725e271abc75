package auth

import (
	"net/http"
	"strings"
)

// UserHeader identifies the user when no token verifier is configured. It is meant for local
// development behind a trusted proxy.
const UserHeader = "X-User-ID"

// extractBearerToken returns the token of an Authorization header, or an error message.
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware attaches the requesting user to the request context. With a verifier, the user comes
// from a bearer token, or from the access_token query parameter for clients such as EventSource
// that cannot set headers; without one, from the X-User-ID header. Requests without a user are
// rejected with 401.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if verifier == nil {
				userID = strings.TrimSpace(r.Header.Get(UserHeader))
				if userID == "" {
					http.Error(w, `{"error":"missing `+UserHeader+` header"}`, http.StatusUnauthorized)
					return
				}
			} else {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if q := r.URL.Query().Get("access_token"); errMsg != "" && q != "" {
					token, errMsg = q, ""
				}
				if errMsg != "" {
					http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
					return
				}
				var err error
				userID, err = verifier.Verify(token)
				if err != nil {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
