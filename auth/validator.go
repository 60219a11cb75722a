package auth

import (
	"net/http"
	"strings"
)

// Validator checks the credentials carried by incoming requests.
// A nil *Validator accepts everything, which is how auth is disabled.
type Validator struct {
	auth            *Auth
	storeSecretHash string
}

// NewValidator creates a new Validator. An empty storeSecretHash means
// stores are not required to present a secret.
func NewValidator(auth *Auth, storeSecretHash string) *Validator {
	return &Validator{auth: auth, storeSecretHash: storeSecretHash}
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSockets
// and EventSource.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the admin token on r.
func (v *Validator) Authenticate(r *http.Request) (*Claims, error) {
	if v == nil || v.auth == nil {
		return &Claims{}, nil
	}
	return v.auth.ValidateToken(TokenFromRequest(r))
}

// CheckStoreSecret verifies a store-supplied secret.
func (v *Validator) CheckStoreSecret(secret string) error {
	if v == nil || v.storeSecretHash == "" {
		return nil
	}
	if !VerifySecret(secret, v.storeSecretHash) {
		return ErrInvalidSecret
	}
	return nil
}

// Middleware rejects requests without a valid admin token.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := v.Authenticate(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"` + err.Error() + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
