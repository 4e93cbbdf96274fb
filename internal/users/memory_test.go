package users_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals.org/internal/address"
	"signals.org/internal/users"
	"signals.org/internal/users/userstest"
)

func TestMemoryRepositoryContract(t *testing.T) {
	userstest.RunContract(t, func(*testing.T) users.Repository {
		return users.NewMemoryRepository()
	})
}

func TestMemoryRepositoryCopiesAddress(t *testing.T) {
	repo := users.NewMemoryRepository()
	ctx := context.Background()

	in := &address.Address{Street: "1 Main St", City: "Springfield", State: "IL"}
	created, err := repo.Create(ctx, users.User{Username: "lena", Role: users.RoleIP, Status: users.StatusActive, Address: in})
	require.NoError(t, err)

	in.City = "Shelbyville"
	created.Address.State = "XX"

	got, err := repo.QueryByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, address.Address{Street: "1 Main St", City: "Springfield", State: "IL"}, *got.Address)

	got.Address.Street = "changed"
	list, err := repo.Query(ctx, users.Filter{users.FieldUsername: "lena"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1 Main St", list[0].Address.Street)

	list[0].Address.Street = "changed again"
	phone := "555-0101"
	updated, err := repo.UpdateByID(ctx, created.ID, users.Patch{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", updated.Address.Street)
	updated.Address.Street = "after update"

	got, err = repo.QueryByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", got.Address.Street)
}
