package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/oops"

	"signals.org/internal/address"
	"signals.org/internal/ids"
	"signals.org/internal/users"
)

const userColumns = `user_id, username, password_hash, email, phone, chat_handle, role, status, street, city, state, created_at`

// Store is a PostgreSQL users.Repository. Every statement is parameterised;
// column names come only from a fixed allow-list.
type Store struct {
	db *sql.DB
}

var _ users.Repository = (*Store)(nil)

// Open connects through the pgx database/sql driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, oops.Code("PG_OPEN").Wrap(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// columnFor maps filter fields onto table columns.
var columnFor = map[string]string{
	users.FieldUserID:     "user_id",
	users.FieldUsername:   "username",
	users.FieldEmail:      "email",
	users.FieldPhone:      "phone",
	users.FieldChatHandle: "chat_handle",
	users.FieldRole:       "role",
	users.FieldStatus:     "status",
}

// Query implements users.Repository.
func (s *Store) Query(ctx context.Context, f users.Filter) ([]users.User, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		if _, ok := columnFor[k]; !ok {
			return nil, oops.Code("USER_FILTER_INVALID").With("field", k).Errorf("unknown filter field %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		b    strings.Builder
		args = make([]any, 0, len(keys))
	)
	b.WriteString(`select ` + userColumns + ` from users`)
	for i, k := range keys {
		if i == 0 {
			b.WriteString(` where `)
		} else {
			b.WriteString(` and `)
		}
		args = append(args, f[k])
		fmt.Fprintf(&b, "%s = $%d", columnFor[k], len(args))
	}
	b.WriteString(` order by user_id`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, oops.Code("USER_QUERY_FAILED").With("fields", keys).Wrap(err)
	}
	defer rows.Close()

	out := make([]users.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, oops.Code("USER_SCAN_FAILED").Wrap(err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_QUERY_FAILED").Wrap(err)
	}
	return out, nil
}

// QueryByID implements users.Repository.
func (s *Store) QueryByID(ctx context.Context, id string) (users.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where user_id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return users.User{}, users.ErrNotFound
	}
	if err != nil {
		return users.User{}, oops.Code("USER_GET_FAILED").With("user_id", id).Wrap(err)
	}
	return u, nil
}

// Create implements users.Repository. A unique violation on username maps
// to users.ErrDuplicateUsername.
func (s *Store) Create(ctx context.Context, u users.User) (users.User, error) {
	u.ID = ids.New()
	street, city, state := addressArgs(u.Address)
	err := s.db.QueryRowContext(ctx, `
		insert into users (user_id, username, password_hash, email, phone, chat_handle, role, status, street, city, state, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		returning created_at
	`, u.ID, u.Username, u.PasswordHash, u.Email, u.Phone, u.ChatHandle, u.Role, u.Status, street, city, state).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return users.User{}, oops.Code("USER_DUPLICATE").With("username", u.Username).Wrap(users.ErrDuplicateUsername)
	}
	if err != nil {
		return users.User{}, oops.Code("USER_CREATE_FAILED").With("username", u.Username).Wrap(err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// UpdateByID implements users.Repository.
func (s *Store) UpdateByID(ctx context.Context, id string, p users.Patch) (users.User, error) {
	if p.Empty() {
		return s.QueryByID(ctx, id)
	}
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	str := func(col string, v *string) {
		if v != nil {
			add(col, *v)
		}
	}
	str("username", p.Username)
	str("password_hash", p.PasswordHash)
	str("email", p.Email)
	str("phone", p.Phone)
	str("chat_handle", p.ChatHandle)
	str("role", p.Role)
	str("status", p.Status)
	if p.Address != nil {
		street, city, state := addressArgs(p.Address)
		add("street", street)
		add("city", city)
		add("state", state)
	}
	args = append(args, id)
	q := fmt.Sprintf(`update users set %s where user_id = $%d returning %s`, strings.Join(sets, ", "), len(args), userColumns)

	u, err := scanUser(s.db.QueryRowContext(ctx, q, args...))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return users.User{}, users.ErrNotFound
	case isUniqueViolation(err):
		return users.User{}, oops.Code("USER_DUPLICATE").With("user_id", id).Wrap(users.ErrDuplicateUsername)
	case err != nil:
		return users.User{}, oops.Code("USER_UPDATE_FAILED").With("user_id", id).Wrap(err)
	}
	return u, nil
}

// DeleteByID implements users.Repository. Deleting a missing row succeeds.
func (s *Store) DeleteByID(ctx context.Context, id string) (string, error) {
	if _, err := s.db.ExecContext(ctx, `delete from users where user_id = $1`, id); err != nil {
		return "", oops.Code("USER_DELETE_FAILED").With("user_id", id).Wrap(err)
	}
	return id, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (users.User, error) {
	var (
		u                   users.User
		street, city, state sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.Phone, &u.ChatHandle,
		&u.Role, &u.Status, &street, &city, &state, &u.CreatedAt)
	if err != nil {
		return users.User{}, err
	}
	if street.Valid || city.Valid || state.Valid {
		u.Address = &address.Address{Street: street.String, City: city.String, State: state.String}
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func addressArgs(a *address.Address) (street, city, state sql.NullString) {
	if a == nil {
		return
	}
	return sql.NullString{String: a.Street, Valid: true},
		sql.NullString{String: a.City, Valid: true},
		sql.NullString{String: a.State, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
