package httpapi

import (
	"net/http"
	"time"

	"signals.org/internal/notify"
	"signals.org/internal/users"
)

const (
	msgLogin   = "Login successfully"
	msgQuery   = "Query successfully"
	msgCreate  = "Create successfully"
	msgUpdate  = "Update successfully"
	msgNoop    = "Nothing to update"
	msgDeleted = "Delete successfully"
)

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type deleteResponse struct {
	UserID string `json:"user_id"`
}

// Register handles POST /api/registration.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req users.Registration
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := a.deps.Users.Register(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, u, msgCreate)
	a.notifyCreated(r, u)
}

// CreateUser handles POST /api/users.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req users.Registration
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := a.deps.Users.CreateUser(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, u, msgCreate)
	a.notifyCreated(r, u)
}

// notifyCreated runs after the response has been written.
func (a *API) notifyCreated(r *http.Request, u users.User) {
	a.deps.Notifier.Emit(r.Context(), r.URL.Path, r.Method, http.StatusCreated, notify.EventData{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
	})
}

// Login handles POST /api/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req users.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := a.deps.Users.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	}, msgLogin)
}

// QueryUsers handles GET /api/users. Each query parameter is an exact-match
// filter; only the first value of a repeated parameter is used.
func (a *API) QueryUsers(w http.ResponseWriter, r *http.Request) {
	f := users.Filter{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			f[k] = v[0]
		}
	}
	list, err := a.deps.Users.Query(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list, msgQuery)
}

// GetUser handles GET /api/users/{id}.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.deps.Users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, u, msgQuery)
}

// UpdateUser handles PUT /api/users/{id}.
func (a *API) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req users.Update
	if !decodeJSON(w, r, &req) {
		return
	}
	u, changed, err := a.deps.Users.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	msg := msgUpdate
	if !changed {
		msg = msgNoop
	}
	writeData(w, http.StatusOK, u, msg)
}

// DeleteUser handles DELETE /api/users/{id}.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deps.Users.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, deleteResponse{UserID: id}, msgDeleted)
}
