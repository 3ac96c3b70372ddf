package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/referral-server/internal/models"
)

func newUser(email, code, name string) *models.User {
	return &models.User{Email: email, ReferralID: code, Name: name, Role: models.RoleReferral}
}

func TestMemoryRepositoryUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.CreateUser(ctx, newUser("A@example.com", "REF-AAAAAAA", "A")))

	err := repo.CreateUser(ctx, newUser("a@example.com", "REF-BBBBBBB", "B"))
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	err = repo.CreateUser(ctx, newUser("b@example.com", "REF-AAAAAAA", "B"))
	assert.ErrorIs(t, err, ErrDuplicateReferralID)

	found, err := repo.GetUserByEmail(ctx, "a@EXAMPLE.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "REF-AAAAAAA", found.ReferralID)

	missing, err := repo.GetUserByReferralID(ctx, "REF-ZZZZZZZ")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryRepositoryVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	u := newUser("v@example.com", "REF-VVVVVVV", "V")
	require.NoError(t, repo.CreateUser(ctx, u))
	assert.Equal(t, int64(1), u.Version)

	first, err := repo.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	second, err := repo.GetUserByID(ctx, u.ID)
	require.NoError(t, err)

	first.Name = "first"
	require.NoError(t, repo.UpdateUser(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Name = "second"
	assert.ErrorIs(t, repo.UpdateUser(ctx, second), ErrVersionConflict)

	stored, err := repo.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Name)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	u := newUser("c@example.com", "REF-CCCCCCC", "C")
	require.NoError(t, repo.CreateUser(ctx, u))

	got, err := repo.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	got.Referral.DirectReferral = append(got.Referral.DirectReferral, models.ReferralLink{ReferredUserRef: "x"})

	again, err := repo.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Referral.DirectReferral)
}

func TestMemoryRepositoryListUsers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for i, name := range []string{"Carol", "alice", "Bob", "Alicia"} {
		code := "REF-000000" + string(rune('0'+i))
		require.NoError(t, repo.CreateUser(ctx, newUser(name+"@example.com", code, name)))
	}

	users, total, err := repo.ListUsers(ctx, models.UserFilter{Page: 1, Limit: 10, SortBy: "name", SortOrder: "asc", Name: "ALI"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Equal(t, "Alicia", users[0].Name)
	assert.Equal(t, "alice", users[1].Name)

	users, total, err = repo.ListUsers(ctx, models.UserFilter{Page: 2, Limit: 3, SortBy: "email", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, users, 1)

	users, _, err = repo.ListUsers(ctx, models.UserFilter{Page: 5, Limit: 3, SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Empty(t, users)
}
