package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/openqs/vms/cfg"
)

// SecretHeader carries the admin pre-shared secret
const SecretHeader = "X-VMS-Secret"

var (
	errNoCredentials = errors.New("missing authentication header")
	errBadAuthHeader = errors.New("invalid authorization header format")
)

// presentedSecret returns the secret sent in SecretHeader or, failing that,
// as an Authorization bearer token
func presentedSecret(r *http.Request) (string, error) {
	if s := r.Header.Get(SecretHeader); s != "" {
		return s, nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errNoCredentials
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthHeader
	}
	return token, nil
}

// AuthMiddleware rejects requests without the configured admin secret. With
// no secret configured every request passes.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		secret, err := presentedSecret(r)
		if err != nil {
			writeErrorResponse(w, http.StatusUnauthorized, err.Error())
			return
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.Config.Admin.Secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}
