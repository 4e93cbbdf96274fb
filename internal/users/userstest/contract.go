// Package userstest exercises any users.Repository against the behaviour
// the account flows depend on.
package userstest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals.org/internal/address"
	"signals.org/internal/users"
)

// Sample returns a ready-to-store user with the given username.
func Sample(username string) users.User {
	return users.User{
		Username:     username,
		PasswordHash: "$2a$04$notarealhashnotarealhashnotarealhashnotarealhashnot",
		Email:        username + "@example.com",
		Phone:        "555-0100",
		ChatHandle:   "@" + username,
		Role:         users.RoleIP,
		Status:       users.StatusPending,
		Address:      &address.Address{Street: "1 Main St", City: "Springfield", State: "IL"},
	}
}

// RunContract runs the repository contract. newRepo must return an empty
// repository on every call.
func RunContract(t *testing.T, newRepo func(t *testing.T) users.Repository) {
	t.Run("CreateAssignsIdentity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		created, err := repo.Create(ctx, Sample("alice"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := repo.QueryByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Username, got.Username)
		assert.Equal(t, created.PasswordHash, got.PasswordHash)
		assert.Equal(t, created.Address, got.Address)
		assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.Create(ctx, Sample("bob"))
		require.NoError(t, err)
		_, err = repo.Create(ctx, Sample("bob"))
		assert.ErrorIs(t, err, users.ErrDuplicateUsername)

		_, err = repo.Create(ctx, Sample("Bob"))
		assert.NoError(t, err, "usernames are case-sensitive")
	})

	t.Run("ConcurrentCreateSameUsername", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		const n = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			ok    int
			dupes int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Create(ctx, Sample("racer"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, users.ErrDuplicateUsername):
					dupes++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, dupes)

		rows, err := repo.Query(ctx, users.Filter{users.FieldUsername: "racer"})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := Sample("carol")
		b := Sample("dave")
		b.Role = users.RoleSupport
		c := Sample("erin")
		c.Role = users.RoleSupport
		c.Status = users.StatusActive
		for _, u := range []users.User{a, b, c} {
			_, err := repo.Create(ctx, u)
			require.NoError(t, err)
		}

		all, err := repo.Query(ctx, users.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		support, err := repo.Query(ctx, users.Filter{users.FieldRole: users.RoleSupport})
		require.NoError(t, err)
		assert.Len(t, support, 2)

		both, err := repo.Query(ctx, users.Filter{users.FieldRole: users.RoleSupport, users.FieldStatus: users.StatusActive})
		require.NoError(t, err)
		require.Len(t, both, 1)
		assert.Equal(t, "erin", both[0].Username)

		none, err := repo.Query(ctx, users.Filter{users.FieldUsername: "nobody"})
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)

		_, err = repo.Query(ctx, users.Filter{"password_hash": "x"})
		assert.Error(t, err)
	})

	t.Run("UpdateByID", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		u, err := repo.Create(ctx, Sample("frank"))
		require.NoError(t, err)
		_, err = repo.Create(ctx, Sample("grace"))
		require.NoError(t, err)

		email := "new@example.com"
		active := users.StatusActive
		updated, err := repo.UpdateByID(ctx, u.ID, users.Patch{Email: &email, Status: &active})
		require.NoError(t, err)
		assert.Equal(t, email, updated.Email)
		assert.Equal(t, users.StatusActive, updated.Status)
		assert.Equal(t, "frank", updated.Username)

		taken := "grace"
		_, err = repo.UpdateByID(ctx, u.ID, users.Patch{Username: &taken})
		assert.ErrorIs(t, err, users.ErrDuplicateUsername)

		renamed := "frankie"
		_, err = repo.UpdateByID(ctx, u.ID, users.Patch{Username: &renamed})
		require.NoError(t, err)
		_, err = repo.Create(ctx, Sample("frank"))
		assert.NoError(t, err, "old username is free again")

		_, err = repo.UpdateByID(ctx, "missing", users.Patch{Email: &email})
		assert.ErrorIs(t, err, users.ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		u, err := repo.Create(ctx, Sample("heidi"))
		require.NoError(t, err)

		id, err := repo.DeleteByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, id)
		_, err = repo.DeleteByID(ctx, u.ID)
		require.NoError(t, err)

		_, err = repo.QueryByID(ctx, u.ID)
		assert.ErrorIs(t, err, users.ErrNotFound)
	})
}
