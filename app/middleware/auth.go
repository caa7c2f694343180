package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CheckBasicAuth validates r's basic auth credentials against allowed,
// a list of "user:bcrypt-hash" entries (the format `htpasswd -nbB` emits).
// An empty allowed list means no auth is required and always passes.
func CheckBasicAuth(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return false
	}

	usernameHash := sha256.Sum256([]byte(username))
	passed := false
	for _, a := range allowed {
		elems := strings.SplitN(strings.TrimSpace(a), ":", 2)
		if len(elems) != 2 || elems[0] == "" {
			continue
		}
		expectedUsernameHash := sha256.Sum256([]byte(elems[0]))
		userMatched := subtle.ConstantTimeCompare(usernameHash[:], expectedUsernameHash[:]) == 1
		passMatched := bcrypt.CompareHashAndPassword([]byte(elems[1]), []byte(password)) == nil
		if userMatched && passMatched {
			passed = true // keep checking the rest so timing doesn't leak which entry matched
		}
	}
	return passed
}

// WriteUnauthorized sends a 401 with a WWW-Authenticate challenge.
func WriteUnauthorized(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
