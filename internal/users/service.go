package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"signals.org/internal/address"
	"signals.org/internal/audit"
	"signals.org/internal/auth"
	"signals.org/internal/ids"
	"signals.org/internal/obs"
)

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(id auth.Identity) (string, time.Time, error)
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"-"`
}

// Service runs the account flows. It is safe for concurrent use; all its
// fields are fixed at construction.
type Service struct {
	repo     Repository
	hasher   PasswordHasher
	tokens   TokenIssuer
	verifier address.Verifier
	logger   *slog.Logger

	registrationRoles auth.RoleSet
	knownRoles        auth.RoleSet
	federatedRole     string

	// Compared against when the username is unknown so both login failures
	// take similar time.
	dummyHash string
}

// Option customises a Service.
type Option func(*Service)

// WithRegistrationRoles limits the roles a self-registering user may pick.
func WithRegistrationRoles(roles ...string) Option {
	return func(s *Service) {
		if len(roles) > 0 {
			s.registrationRoles = auth.NewRoleSet(roles...)
		}
	}
}

// WithFederatedRole sets the role given to accounts created by federated login.
func WithFederatedRole(role string) Option {
	return func(s *Service) {
		if role = strings.TrimSpace(role); role != "" {
			s.federatedRole = role
		}
	}
}

// WithLogger sets the logger for dependency failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the account flows. A nil verifier accepts every address
// that parses.
func NewService(repo Repository, hasher PasswordHasher, tokens TokenIssuer, verifier address.Verifier, opts ...Option) (*Service, error) {
	if repo == nil || hasher == nil || tokens == nil {
		return nil, errors.New("users: repository, hasher and token issuer are required")
	}
	if verifier == nil {
		verifier = address.FormatOnly{}
	}
	s := &Service{
		repo:              repo,
		hasher:            hasher,
		tokens:            tokens,
		verifier:          verifier,
		logger:            obs.Logger(),
		registrationRoles: auth.NewRoleSet(RoleIP),
		knownRoles:        auth.NewRoleSet(KnownRoles...),
		federatedRole:     RoleIP,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := hasher.Hash("signals-users-timing-equaliser")
	if err != nil {
		return nil, fmt.Errorf("users: prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Register creates a self-registered account. The account always starts
// pending regardless of the requested status.
func (s *Service) Register(ctx context.Context, req Registration) (User, error) {
	u, err := s.create(ctx, req, s.registrationRoles, false)
	if err != nil {
		return User{}, err
	}
	s.audit(ctx, "user.registered", u.ID, map[string]any{"role": u.Role})
	return u, nil
}

// CreateUser creates an account on behalf of an operator. The requested
// status is kept and any known role is accepted.
func (s *Service) CreateUser(ctx context.Context, req Registration) (User, error) {
	u, err := s.create(ctx, req, s.knownRoles, true)
	if err != nil {
		return User{}, err
	}
	s.audit(ctx, "user.created", u.ID, map[string]any{"role": u.Role, "status": u.Status})
	return u, nil
}

func (s *Service) create(ctx context.Context, req Registration, roles auth.RoleSet, keepStatus bool) (User, error) {
	for _, f := range req.fields() {
		if !f.Set {
			return User{}, validation(MsgFieldsMissing)
		}
	}
	for _, f := range req.fields() {
		if f.Blank() {
			return User{}, validation(MsgInvalidData)
		}
	}
	username := strings.TrimSpace(req.Username.Value)
	role := strings.TrimSpace(req.Role.Value)
	status := strings.TrimSpace(req.Status.Value)
	if !roles.Has(role) || !validStatus(status) {
		return User{}, validation(MsgInvalidData)
	}
	if !keepStatus {
		status = StatusPending
	}

	if err := s.ensureUsernameFree(ctx, username); err != nil {
		return User{}, err
	}
	addr, err := s.checkAddress(ctx, req.Address.Value)
	if err != nil {
		return User{}, err
	}
	digest, err := s.hasher.Hash(req.Password.Value)
	if err != nil {
		return User{}, &Error{Kind: KindValidation, Message: MsgInvalidData, Err: err}
	}

	created, err := s.repo.Create(ctx, User{
		Username:     username,
		PasswordHash: digest,
		Email:        strings.TrimSpace(req.Email.Value),
		Phone:        strings.TrimSpace(req.Phone.Value),
		ChatHandle:   strings.TrimSpace(req.ChatHandle.Value),
		Role:         role,
		Status:       status,
		Address:      &addr,
	})
	if err != nil {
		return User{}, s.storeError(ctx, "create", err)
	}
	return created, nil
}

// Login checks credentials and issues a session token.
func (s *Service) Login(ctx context.Context, c Credentials) (Session, error) {
	if c.Username == "" || c.Password == "" {
		return Session{}, validation(MsgCredentialsMissing)
	}
	found, err := s.repo.Query(ctx, Filter{FieldUsername: c.Username})
	if err != nil {
		return Session{}, s.storeError(ctx, "login lookup", err)
	}
	if len(found) == 0 {
		s.hasher.Verify(c.Password, s.dummyHash)
		s.audit(ctx, "user.login_failed", "", map[string]any{"reason": "unknown_username"})
		return Session{}, validation(MsgUnknownUsername)
	}
	u := found[0]
	if !s.hasher.Verify(c.Password, u.PasswordHash) {
		s.audit(ctx, "user.login_failed", u.ID, map[string]any{"reason": "wrong_password"})
		return Session{}, validation(MsgWrongPassword)
	}
	if !u.Active() {
		s.audit(ctx, "user.login_failed", u.ID, map[string]any{"reason": "not_activated"})
		return Session{}, validation(MsgNotActivated)
	}
	sess, err := s.issue(ctx, u)
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, "user.login", u.ID, nil)
	return sess, nil
}

// FederatedLogin trusts an email already verified by an external identity
// provider. Unknown emails get a new active account without a password;
// pending accounts are activated.
func (s *Service) FederatedLogin(ctx context.Context, email string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Session{}, validation(MsgEmailMissing)
	}
	found, err := s.repo.Query(ctx, Filter{FieldEmail: email})
	if err != nil {
		return Session{}, s.storeError(ctx, "federated lookup", err)
	}

	var u User
	switch {
	case len(found) == 0:
		u, err = s.createFederated(ctx, email)
		if err != nil {
			return Session{}, s.storeError(ctx, "federated create", err)
		}
		s.audit(ctx, "user.federated_created", u.ID, map[string]any{"role": u.Role})
	case !found[0].Active():
		active := StatusActive
		u, err = s.repo.UpdateByID(ctx, found[0].ID, Patch{Status: &active})
		if err != nil {
			return Session{}, s.storeError(ctx, "federated activate", err)
		}
		s.audit(ctx, "user.activated", u.ID, map[string]any{"via": "federated"})
	default:
		u = found[0]
	}

	sess, err := s.issue(ctx, u)
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, "user.federated_login", u.ID, nil)
	return sess, nil
}

// Query lists users matching f. No match is an empty slice, not an error.
func (s *Service) Query(ctx context.Context, f Filter) ([]User, error) {
	if err := f.Validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Message: MsgInvalidData, Err: err}
	}
	out, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, s.storeError(ctx, "query", err)
	}
	return out, nil
}

// Get returns one user.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	u, err := s.repo.QueryByID(ctx, id)
	if err != nil {
		return User{}, s.storeError(ctx, "get", err)
	}
	return u, nil
}

// Update applies the present fields of req. It reports changed=false and
// the current record when req carries no fields.
func (s *Service) Update(ctx context.Context, id string, req Update) (u User, changed bool, err error) {
	fields := req.fields()
	for _, f := range fields {
		if f.Blank() {
			return User{}, false, validation(MsgInvalidData)
		}
	}
	cur, err := s.repo.QueryByID(ctx, id)
	if err != nil {
		return User{}, false, s.storeError(ctx, "update lookup", err)
	}

	p := Patch{
		Username:   req.Username.ptr(),
		Email:      req.Email.ptr(),
		Phone:      req.Phone.ptr(),
		ChatHandle: req.ChatHandle.ptr(),
		Role:       req.Role.ptr(),
		Status:     req.Status.ptr(),
	}
	if p.Role != nil && !s.knownRoles.Has(*p.Role) {
		return User{}, false, validation(MsgInvalidData)
	}
	if p.Status != nil && !validStatus(*p.Status) {
		return User{}, false, validation(MsgInvalidData)
	}
	if p.Username != nil && *p.Username != cur.Username {
		if err := s.ensureUsernameFree(ctx, *p.Username); err != nil {
			return User{}, false, err
		}
	}
	if req.Address.Set {
		addr, err := s.checkAddress(ctx, req.Address.Value)
		if err != nil {
			return User{}, false, err
		}
		p.Address = &addr
	}
	if req.Password.Set {
		digest, err := s.hasher.Hash(req.Password.Value)
		if err != nil {
			return User{}, false, &Error{Kind: KindValidation, Message: MsgInvalidData, Err: err}
		}
		p.PasswordHash = &digest
	}
	if p.Empty() {
		return cur, false, nil
	}

	updated, err := s.repo.UpdateByID(ctx, id, p)
	if err != nil {
		return User{}, false, s.storeError(ctx, "update", err)
	}
	s.audit(ctx, "user.updated", id, map[string]any{"password_changed": p.PasswordHash != nil})
	return updated, true, nil
}

// Delete removes a user. Deleting an unknown id succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.DeleteByID(ctx, id); err != nil {
		return s.storeError(ctx, "delete", err)
	}
	s.audit(ctx, "user.deleted", id, nil)
	return nil
}

// createFederated uses the email as username, falling back to a suffixed
// username when another account already holds it.
func (s *Service) createFederated(ctx context.Context, email string) (User, error) {
	username := email
	for attempt := 0; ; attempt++ {
		u, err := s.repo.Create(ctx, User{
			Username: username,
			Email:    email,
			Role:     s.federatedRole,
			Status:   StatusActive,
		})
		if err == nil || !errors.Is(err, ErrDuplicateUsername) || attempt == federatedUsernameAttempts {
			return u, err
		}
		id := ids.New()
		username = email + "-" + strings.ToLower(id[len(id)-8:])
	}
}

const federatedUsernameAttempts = 3

func (s *Service) ensureUsernameFree(ctx context.Context, username string) error {
	dupes, err := s.repo.Query(ctx, Filter{FieldUsername: username})
	if err != nil {
		return s.storeError(ctx, "duplicate check", err)
	}
	if len(dupes) > 0 {
		return conflict(ErrDuplicateUsername)
	}
	return nil
}

func (s *Service) checkAddress(ctx context.Context, raw string) (address.Address, error) {
	if !s.verifier.Verify(ctx, raw) {
		return address.Address{}, validation(MsgAddressInvalid)
	}
	addr, err := address.Parse(raw)
	if err != nil {
		return address.Address{}, &Error{Kind: KindValidation, Message: MsgAddressInvalid, Err: err}
	}
	return addr, nil
}

func (s *Service) issue(ctx context.Context, u User) (Session, error) {
	token, exp, err := s.tokens.Issue(auth.Identity{UserID: u.ID, Role: u.Role, Email: u.Email})
	if err != nil {
		s.logger.ErrorContext(ctx, "token issue failed", "user_id", u.ID, "err", err)
		return Session{}, dependency(err)
	}
	return Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// storeError maps repository failures onto flow errors and logs the ones
// the client only sees as a generic message.
func (s *Service) storeError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, ErrDuplicateUsername):
		return conflict(err)
	case errors.Is(err, ErrNotFound):
		return notFound(err)
	}
	s.logger.ErrorContext(ctx, "user store failed", "op", op, "err", err)
	return dependency(err)
}

func (s *Service) audit(ctx context.Context, event, userID string, fields map[string]any) {
	if userID != "" {
		if fields == nil {
			fields = make(map[string]any, 1)
		}
		fields["subject_id"] = userID
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", "event", event, "err", err)
	}
}
