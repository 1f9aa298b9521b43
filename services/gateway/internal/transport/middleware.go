package transport

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderAdminKey: заголовок ключа admin API.
const HeaderAdminKey = "X-Admin-Key"

// AdminOnly пропускает запросы с верным X-Admin-Key.
func AdminOnly(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderAdminKey)
			if got == "" {
				Unauthorized(w, "missing admin key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				Forbidden(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken достаёт токен из ?token= или Authorization: Bearer.
func bearerToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
