package httpapi

import (
	"net/http"

	"signals.org/internal/audit"
	"signals.org/internal/auth"
	"signals.org/internal/obs"
)

// withGate runs the access gate ahead of routing. Authorized requests carry
// their claims in the context; denied requests never reach a handler.
func (a *API) withGate(next http.Handler) http.Handler {
	if a.deps.Gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := a.deps.Gate.Authorize(r, a.deps.AllowedRoles)
		obs.RecordAuthDecision(d.Kind.String(), d.Status)

		switch d.Kind {
		case auth.Denied:
			_ = audit.LogEvent(r.Context(), "auth.denied", map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": d.Status,
				"reason": d.Message,
			})
			if d.Status != http.StatusForbidden {
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
			}
			writeMessage(w, d.Status, d.Message)
		case auth.Authorized:
			next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), d.Claims)))
		default:
			next.ServeHTTP(w, r)
		}
	})
}
