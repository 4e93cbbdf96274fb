// Package migrate applies the embedded schema migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/samber/oops"
)

//go:embed sql/*.sql
var migrations embed.FS

const dir = "sql"

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Seams for tests.
var (
	gooseUp        = goose.UpContext
	gooseDown      = goose.DownContext
	gooseDBVersion = goose.GetDBVersionContext
)

// Manager runs migrations against one database.
type Manager struct {
	db *sql.DB
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error {
		return gooseUp(ctx, m.db, dir)
	}, "MIGRATE_UP")
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error {
		return gooseDown(ctx, m.db, dir)
	}, "MIGRATE_DOWN")
}

// Version reports the schema version currently applied.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var v int64
	err := m.run(func() error {
		var err error
		v, err = gooseDBVersion(ctx, m.db)
		return err
	}, "MIGRATE_VERSION")
	return v, err
}

func (m *Manager) run(fn func() error, code string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return oops.Code(code).Wrap(err)
	}
	if err := fn(); err != nil {
		return oops.Code(code).Wrap(err)
	}
	return nil
}
