package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"

	"signals.org/internal/audit"
	"signals.org/internal/federation"
)

const (
	stateCookie = "g_state"

	msgFederationOff    = "Federated login is not configured"
	msgFederationFailed = "Federated login failed"
	msgInvalidState     = "Invalid state"
)

func (a *API) federationEnabled() bool {
	return a.deps.Federation != nil && a.deps.Sealer != nil && a.deps.FrontendRedirectURL != ""
}

// FederatedStart handles GET /api/g_login: it stores a sealed state and
// PKCE verifier in a short-lived cookie and redirects to the provider.
func (a *API) FederatedStart(w http.ResponseWriter, r *http.Request) {
	if !a.federationEnabled() {
		writeMessage(w, http.StatusNotFound, msgFederationOff)
		return
	}
	st, err := federation.NewState()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sealed, err := a.deps.Sealer.Seal(string(raw))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    sealed,
		Path:     "/api/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.deps.Federation.AuthCodeURL(st.Value, st.Verifier), http.StatusFound)
}

// FederatedCallback handles GET /api/g_authorize. On success the session
// token is encrypted and handed to the frontend as a query parameter.
func (a *API) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	if !a.federationEnabled() {
		writeMessage(w, http.StatusNotFound, msgFederationOff)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/api/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	q := r.URL.Query()
	if q.Get("error") != "" {
		writeMessage(w, http.StatusBadRequest, msgFederationFailed)
		return
	}
	st, ok := a.readState(r)
	if !ok || q.Get("code") == "" ||
		subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(st.Value)) != 1 {
		writeMessage(w, http.StatusBadRequest, msgInvalidState)
		return
	}

	id, err := a.deps.Federation.Exchange(r.Context(), q.Get("code"), st.Verifier)
	if err != nil {
		a.logger.WarnContext(r.Context(), "federated exchange failed", "err", err)
		_ = audit.LogEvent(r.Context(), "auth.federated_failed", map[string]any{"reason": err.Error()})
		writeMessage(w, http.StatusUnauthorized, msgFederationFailed)
		return
	}
	sess, err := a.deps.Users.FederatedLogin(r.Context(), id.Email)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sealed, err := a.deps.Sealer.Seal(sess.Token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	target, err := url.Parse(a.deps.FrontendRedirectURL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	tq := target.Query()
	tq.Set("token", sealed)
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *API) readState(r *http.Request) (federation.State, bool) {
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" {
		return federation.State{}, false
	}
	raw, err := a.deps.Sealer.Open(c.Value)
	if err != nil {
		return federation.State{}, false
	}
	var st federation.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Value == "" || st.Verifier == "" {
		return federation.State{}, false
	}
	return st, true
}
