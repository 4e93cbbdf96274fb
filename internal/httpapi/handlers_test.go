package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"signals.org/internal/auth"
	"signals.org/internal/federation"
	"signals.org/internal/notify"
	"signals.org/internal/users"
)

const frontendURL = "https://app.example.test/landing"

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Notify(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

type fakeProvider struct {
	mu       sync.Mutex
	verifier string
	email    string
	err      error
}

func (p *fakeProvider) AuthCodeURL(state, verifier string) string {
	p.mu.Lock()
	p.verifier = verifier
	p.mu.Unlock()
	return "https://idp.example.test/auth?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) Exchange(_ context.Context, code, verifier string) (federation.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return federation.Identity{}, p.err
	}
	if code == "" || verifier != p.verifier {
		return federation.Identity{}, federation.ErrEmailNotVerified
	}
	return federation.Identity{Subject: "g-1", Email: p.email, EmailVerified: true}, nil
}

type testEnv struct {
	*apiClient
	tokens   *auth.TokenService
	sealer   *auth.Sealer
	sink     *captureSink
	notifier *notify.Emitter
	provider *fakeProvider
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type envOption func(*Deps)

func withoutFederation() envOption {
	return func(d *Deps) {
		d.Federation = nil
		d.Sealer = nil
	}
}

func withMaxBody(n int64) envOption {
	return func(d *Deps) { d.MaxBodyBytes = n }
}

func newTestAPI(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService("test-secret", "HS256", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	sealer, err := auth.NewSealer("redirect-secret")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	svc, err := users.NewService(users.NewMemoryRepository(), auth.NewHasher(bcrypt.MinCost), tokens, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	sink := &captureSink{}
	notifier := notify.NewEmitter("capture", sink)
	provider := &fakeProvider{email: "fed@example.com"}

	d := Deps{
		Users:               svc,
		Gate:                auth.NewGate(tokens, nil),
		AllowedRoles:        auth.NewRoleSet(users.RoleSupport),
		Notifier:            notifier,
		Version:             "test",
		Federation:          provider,
		Sealer:              sealer,
		FrontendRedirectURL: frontendURL,
		RateBurst:           1000,
		RatePerSec:          1000,
	}
	for _, opt := range opts {
		opt(&d)
	}
	api := New(d)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		api.Close()
	})

	client := *srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &testEnv{
		apiClient: &apiClient{baseURL: srv.URL, client: &client, t: t},
		tokens:    tokens,
		sealer:    sealer,
		sink:      sink,
		notifier:  notifier,
		provider:  provider,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (e *testEnv) bearer(role string) map[string]string {
	e.t.Helper()
	tok, _, err := e.tokens.Issue(auth.Identity{UserID: "operator", Role: role})
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

type result[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message"`
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectMessage(t *testing.T, resp *http.Response, code int, msg string) {
	t.Helper()
	if resp.StatusCode != code {
		resp.Body.Close()
		t.Fatalf("expected %d, got %d", code, resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Message != msg {
		t.Fatalf("expected message %q, got %q", msg, body.Message)
	}
}

func signup(username string) map[string]any {
	return map[string]any{
		"username":    username,
		"password":    "hunter22",
		"email":       username + "@example.com",
		"phone":       "555-0100",
		"chat_handle": "@" + username,
		"role":        users.RoleIP,
		"status":      users.StatusActive,
		"address":     "1 Main St, Springfield IL",
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	h := decode[map[string]string](t, resp)
	if h["service"] != serviceName || h["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", h)
	}

	resp = env.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegistrationCreatesPendingUserAndNotifies(t *testing.T) {
	env := newTestAPI(t)

	resp := env.post("/api/registration", signup("alice"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[result[map[string]any]](t, resp)
	if created.Message != msgCreate {
		t.Fatalf("unexpected message %q", created.Message)
	}
	if created.Data["status"] != users.StatusPending {
		t.Fatalf("expected pending status, got %v", created.Data["status"])
	}
	if _, leaked := created.Data["password_hash"]; leaked {
		t.Fatalf("password hash must not be rendered")
	}
	if _, leaked := created.Data["password"]; leaked {
		t.Fatalf("password must not be rendered")
	}
	addr, _ := created.Data["address"].(map[string]any)
	if addr["city"] != "Springfield" || addr["state"] != "IL" {
		t.Fatalf("unexpected address: %v", created.Data["address"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.notifier.Close(ctx); err != nil {
		t.Fatalf("drain notifier: %v", err)
	}
	events := env.sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Resource != "/api/registration" || ev.Method != http.MethodPost {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Data.UserID != created.Data["user_id"] || ev.Data.Username != "alice" || ev.Data.Email != "alice@example.com" {
		t.Fatalf("unexpected event data: %+v", ev.Data)
	}

	login := env.post("/api/login", map[string]string{"username": "alice", "password": "hunter22"}, nil)
	expectMessage(t, login, http.StatusBadRequest, users.MsgNotActivated)
}

func TestRegistrationValidation(t *testing.T) {
	env := newTestAPI(t)

	missing := signup("bob")
	delete(missing, "phone")
	expectMessage(t, env.post("/api/registration", missing, nil), http.StatusBadRequest, users.MsgFieldsMissing)

	blank := signup("bob")
	blank["email"] = "   "
	expectMessage(t, env.post("/api/registration", blank, nil), http.StatusBadRequest, users.MsgInvalidData)

	nullField := signup("bob")
	nullField["chat_handle"] = nil
	expectMessage(t, env.post("/api/registration", nullField, nil), http.StatusBadRequest, users.MsgInvalidData)

	admin := signup("bob")
	admin["role"] = users.RoleAdmin
	expectMessage(t, env.post("/api/registration", admin, nil), http.StatusBadRequest, users.MsgInvalidData)

	badAddr := signup("bob")
	badAddr["address"] = "no commas here"
	expectMessage(t, env.post("/api/registration", badAddr, nil), http.StatusBadRequest, users.MsgAddressInvalid)

	unknown := signup("bob")
	unknown["nickname"] = "bobby"
	expectMessage(t, env.post("/api/registration", unknown, nil), http.StatusBadRequest, users.MsgInvalidData)

	expectMessage(t, env.post("/api/registration", `{"username":`, nil), http.StatusBadRequest, users.MsgInvalidData)

	resp := env.post("/api/registration", signup("bob"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	expectMessage(t, env.post("/api/registration", signup("bob"), nil), http.StatusBadRequest, users.MsgDuplicateUsername)
}

func TestRequestBodyTooLarge(t *testing.T) {
	env := newTestAPI(t, withMaxBody(64))
	body := signup("carol")
	body["address"] = strings.Repeat("x", 256) + ", Springfield IL"
	expectMessage(t, env.post("/api/registration", body, nil), http.StatusRequestEntityTooLarge, "Request body too large")
}

func TestGateRejectsBeforeRouting(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/api/users", nil, nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate on missing token")
	}
	expectMessage(t, resp, http.StatusBadRequest, auth.MsgNotAuthenticated)

	expectMessage(t, env.get("/api/users", nil, map[string]string{"Authorization": "Bearer nope"}),
		http.StatusUnauthorized, auth.MsgTokenInvalid)

	expectMessage(t, env.get("/api/users", nil, env.bearer(users.RoleIP)), http.StatusForbidden, auth.MsgPermissionDenied)

	// Unknown paths are gated like any other.
	expectMessage(t, env.get("/api/unknown", nil, nil), http.StatusBadRequest, auth.MsgNotAuthenticated)
	expectMessage(t, env.get("/api/unknown", nil, env.bearer(users.RoleSupport)), http.StatusNotFound, "Not found")
}

func TestGateRejectsForeignSignature(t *testing.T) {
	env := newTestAPI(t)
	foreign, err := auth.NewTokenService("other-secret", "HS256", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	tok, _, err := foreign.Issue(auth.Identity{UserID: "x", Role: users.RoleSupport})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expectMessage(t, env.get("/api/users", nil, map[string]string{"Authorization": tok}),
		http.StatusUnauthorized, auth.MsgTokenInvalid)
}

func TestLogin(t *testing.T) {
	env := newTestAPI(t)
	ops := env.bearer(users.RoleSupport)

	resp := env.post("/api/users", signup("dave"), ops)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	expectMessage(t, env.post("/api/login", map[string]string{"username": "dave"}, nil),
		http.StatusBadRequest, users.MsgCredentialsMissing)
	expectMessage(t, env.post("/api/login", map[string]string{"username": "nobody", "password": "x"}, nil),
		http.StatusBadRequest, users.MsgUnknownUsername)
	expectMessage(t, env.post("/api/login", map[string]string{"username": "dave", "password": "wrong"}, nil),
		http.StatusBadRequest, users.MsgWrongPassword)

	resp = env.post("/api/login", map[string]string{"username": "dave", "password": "hunter22"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[result[loginResponse]](t, resp)
	if out.Message != msgLogin || out.Data.Token == "" {
		t.Fatalf("unexpected login response: %+v", out)
	}
	if _, err := time.Parse(time.RFC3339, out.Data.ExpiresAt); err != nil {
		t.Fatalf("expires_at: %v", err)
	}
	claims, err := env.tokens.Verify(out.Data.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.Role != users.RoleIP || claims.UserID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestUserLifecycle(t *testing.T) {
	env := newTestAPI(t)
	ops := env.bearer(users.RoleSupport)

	resp := env.post("/api/users", signup("erin"), ops)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[result[users.User]](t, resp)
	id := created.Data.ID
	if id == "" || created.Data.Status != users.StatusActive {
		t.Fatalf("unexpected created user: %+v", created.Data)
	}

	resp = env.get("/api/users", url.Values{"username": {"erin"}}, ops)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: %d", resp.StatusCode)
	}
	list := decode[result[[]users.User]](t, resp)
	if len(list.Data) != 1 || list.Data[0].ID != id {
		t.Fatalf("unexpected query result: %+v", list.Data)
	}

	resp = env.get("/api/users", url.Values{"username": {"nobody"}}, ops)
	empty := decode[result[[]users.User]](t, resp)
	if empty.Data == nil || len(empty.Data) != 0 {
		t.Fatalf("expected empty list, got %+v", empty.Data)
	}

	expectMessage(t, env.get("/api/users", url.Values{"password_hash": {"x"}}, ops), http.StatusBadRequest, users.MsgInvalidData)

	resp = env.get("/api/users/"+id, nil, ops)
	got := decode[result[users.User]](t, resp)
	if got.Data.Username != "erin" {
		t.Fatalf("unexpected get: %+v", got.Data)
	}

	resp = env.do(http.MethodPut, "/api/users/"+id, map[string]string{"phone": "555-0199"}, ops)
	updated := decode[result[users.User]](t, resp)
	if updated.Message != msgUpdate || updated.Data.Phone != "555-0199" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	resp = env.do(http.MethodPut, "/api/users/"+id, map[string]string{}, ops)
	noop := decode[result[users.User]](t, resp)
	if noop.Message != msgNoop || noop.Data.Phone != "555-0199" {
		t.Fatalf("unexpected noop update: %+v", noop)
	}

	expectMessage(t, env.do(http.MethodPut, "/api/users/"+id, map[string]string{"status": "banned"}, ops),
		http.StatusBadRequest, users.MsgInvalidData)

	resp = env.do(http.MethodPut, "/api/users/"+id, map[string]string{"password": "n3w-secret"}, ops)
	resp.Body.Close()
	resp = env.post("/api/login", map[string]string{"username": "erin", "password": "n3w-secret"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login after password change: %d", resp.StatusCode)
	}
	resp.Body.Close()

	for i := 0; i < 2; i++ {
		resp = env.do(http.MethodDelete, "/api/users/"+id, nil, ops)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delete #%d: %d", i+1, resp.StatusCode)
		}
		del := decode[result[deleteResponse]](t, resp)
		if del.Data.UserID != id || del.Message != msgDeleted {
			t.Fatalf("unexpected delete: %+v", del)
		}
	}

	expectMessage(t, env.get("/api/users/"+id, nil, ops), http.StatusNotFound, users.MsgUserNotFound)
	expectMessage(t, env.do(http.MethodPut, "/api/users/"+id, map[string]string{"phone": "1"}, ops),
		http.StatusNotFound, users.MsgUserNotFound)
}

func TestCreateUserRequiresAllowedRole(t *testing.T) {
	env := newTestAPI(t)
	expectMessage(t, env.post("/api/users", signup("frank"), env.bearer(users.RoleIP)),
		http.StatusForbidden, auth.MsgPermissionDenied)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = env.notifier.Close(ctx)
	if n := len(env.sink.all()); n != 0 {
		t.Fatalf("denied request must not notify, got %d events", n)
	}
}

func startFederated(t *testing.T, env *testEnv) (state string, cookie *http.Cookie) {
	t.Helper()
	resp := env.get("/api/g_login", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state = loc.Query().Get("state")
	if state == "" {
		t.Fatalf("missing state in %s", loc)
	}
	for _, c := range resp.Cookies() {
		if c.Name == stateCookie {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected HttpOnly state cookie, got %v", resp.Cookies())
	}
	return state, cookie
}

func TestFederatedLoginFlow(t *testing.T) {
	env := newTestAPI(t)
	state, cookie := startFederated(t, env)

	q := url.Values{"code": {"auth-code"}, "state": {state}}
	resp := env.get("/api/g_authorize", q, map[string]string{"Cookie": cookie.Name + "=" + cookie.Value})
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), frontendURL+"?") {
		t.Fatalf("unexpected redirect %s", loc)
	}
	sealed := loc.Query().Get("token")
	if sealed == "" {
		t.Fatalf("missing token in redirect")
	}
	if _, err := env.tokens.Verify(sealed); err == nil {
		t.Fatalf("redirect token must be encrypted")
	}
	tok, err := env.sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open sealed token: %v", err)
	}
	claims, err := env.tokens.Verify(tok)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Email != "fed@example.com" || claims.Role != users.RoleIP {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// The federated account can reach the API as its own role.
	resp = env.get("/api/users", nil, map[string]string{"Authorization": tok})
	expectMessage(t, resp, http.StatusForbidden, auth.MsgPermissionDenied)
}

func TestFederatedCallbackRejectsBadState(t *testing.T) {
	env := newTestAPI(t)
	state, cookie := startFederated(t, env)
	withCookie := map[string]string{"Cookie": cookie.Name + "=" + cookie.Value}

	expectMessage(t, env.get("/api/g_authorize", url.Values{"code": {"c"}, "state": {state + "x"}}, withCookie),
		http.StatusBadRequest, msgInvalidState)
	expectMessage(t, env.get("/api/g_authorize", url.Values{"code": {"c"}, "state": {state}}, nil),
		http.StatusBadRequest, msgInvalidState)
	expectMessage(t, env.get("/api/g_authorize", url.Values{"code": {"c"}, "state": {state}},
		map[string]string{"Cookie": stateCookie + "=tampered"}),
		http.StatusBadRequest, msgInvalidState)
	expectMessage(t, env.get("/api/g_authorize", url.Values{"error": {"access_denied"}}, withCookie),
		http.StatusBadRequest, msgFederationFailed)
}

func TestFederatedExchangeFailure(t *testing.T) {
	env := newTestAPI(t)
	env.provider.fail(federation.ErrEmailNotVerified)
	state, cookie := startFederated(t, env)

	expectMessage(t, env.get("/api/g_authorize", url.Values{"code": {"c"}, "state": {state}},
		map[string]string{"Cookie": cookie.Name + "=" + cookie.Value}),
		http.StatusUnauthorized, msgFederationFailed)
}

func TestFederationDisabled(t *testing.T) {
	env := newTestAPI(t, withoutFederation())
	expectMessage(t, env.get("/api/g_login", nil, nil), http.StatusNotFound, msgFederationOff)
	expectMessage(t, env.get("/api/g_authorize", nil, nil), http.StatusNotFound, msgFederationOff)
}
