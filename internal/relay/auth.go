package relay

import (
	"net/http"
	"strings"
)

// Principal is the authenticated caller of a REST or WebSocket request.
// RunnerToken principals come from the legacy shared token and carry the
// synthetic runner-token user.
type Principal struct {
	UserID string
	Admin  bool
}

// legacyRunnerUser is the synthetic principal behind the static
// PIZZAPI_RUNNER_TOKEN. It exists as a real user row so runner identities
// registered through the legacy token have an owner.
const legacyRunnerUser = "runner-token"

// bearerToken pulls a token from the Authorization header or the ?token=
// query parameter (browsers cannot set headers on WebSocket dials).
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// principal resolves the caller: session cookie JWT first, then API key.
// Returns nil when nothing checks out.
func (s *Server) principal(r *http.Request) *Principal {
	if c, err := r.Cookie(s.Config.Auth.CookieName); err == nil && c.Value != "" {
		if claims, err := ValidateSessionJWT(s.jwtSecret, c.Value); err == nil {
			return &Principal{UserID: claims.Subject, Admin: claims.Admin}
		}
	}

	token := bearerToken(r)
	if token == "" {
		return nil
	}
	if claims, err := ValidateSessionJWT(s.jwtSecret, token); err == nil {
		return &Principal{UserID: claims.Subject, Admin: claims.Admin}
	}
	user, err := s.Store.LookupAPIKey(token)
	if err != nil || user == nil {
		return nil
	}
	return &Principal{UserID: user.ID, Admin: user.Admin}
}

// runnerPrincipal resolves credentials on /ws/runner: an API key maps the
// runner to its owning user; the legacy static token maps to the shared
// runner-token user.
func (s *Server) runnerPrincipal(r *http.Request) *Principal {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	if s.Config.Auth.RunnerToken != "" && token == s.Config.Auth.RunnerToken {
		return &Principal{UserID: legacyRunnerUser}
	}
	user, err := s.Store.LookupAPIKey(token)
	if err != nil || user == nil {
		return nil
	}
	return &Principal{UserID: user.ID, Admin: user.Admin}
}

// canSee reports whether the principal may observe a session owned by
// ownerID. Callers translate false into NotFound, never Forbidden, so
// session IDs cannot be probed.
func (p *Principal) canSee(ownerID string) bool {
	return p != nil && (p.Admin || p.UserID == ownerID)
}
