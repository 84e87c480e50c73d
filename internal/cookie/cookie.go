package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/oidc-front/internal/envutil"
	"github.com/dgellow/oidc-front/internal/log"
)

// SessionCookie carries the browser session identifier across the
// authorization interaction
const SessionCookie = "oidc_front_session"

// SetSession sets the session cookie with appropriate security settings.
// SameSite is Lax so the cookie survives the redirect back from the client.
func SetSession(w http.ResponseWriter, value string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogDebugWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// GetSession retrieves the session cookie value
func GetSession(r *http.Request) (string, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// ClearSession removes the session cookie by setting MaxAge to -1
func ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
