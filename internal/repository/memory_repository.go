package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rongwang/referral-server/internal/models"
)

// MemoryRepository keeps user documents in process. It honours the same
// version check as PostgresRepository and hands out copies, so callers see
// document semantics identical to the database.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*models.User)}
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(user.Email)

	for _, existing := range r.users {
		if existing.Email == user.Email {
			return ErrDuplicateEmail
		}
		if existing.ReferralID == user.ReferralID {
			return ErrDuplicateReferralID
		}
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Version = 1

	r.users[user.ID] = user.Clone()
	return nil
}

func (r *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(email)
	return r.find(ctx, func(u *models.User) bool { return u.Email == email })
}

func (r *MemoryRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.users[id].Clone(), nil
}

func (r *MemoryRepository) GetUserByReferralID(ctx context.Context, referralID string) (*models.User, error) {
	return r.find(ctx, func(u *models.User) bool { return u.ReferralID == referralID })
}

func (r *MemoryRepository) find(ctx context.Context, match func(*models.User) bool) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if match(u) {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpdateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.users[user.ID]
	if !ok || stored.Version != user.Version {
		return ErrVersionConflict
	}
	user.Email = strings.ToLower(user.Email)
	for id, other := range r.users {
		if id != user.ID && other.Email == user.Email {
			return ErrDuplicateEmail
		}
	}

	user.Version++
	user.UpdatedAt = time.Now().UTC()
	r.users[user.ID] = user.Clone()
	return nil
}

func (r *MemoryRepository) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.users, id)
	return nil
}

func (r *MemoryRepository) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.mu.RLock()
	matched := make([]models.User, 0, len(r.users))
	needle := strings.ToLower(filter.Name)
	for _, u := range r.users {
		if needle != "" && !strings.Contains(strings.ToLower(u.Name), needle) {
			continue
		}
		matched = append(matched, *u.Clone())
	}
	r.mu.RUnlock()

	col, ok := SortColumn(filter.SortBy)
	if !ok {
		col = "created_at"
	}
	desc := filter.SortOrder != "asc"
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch col {
		case "name":
			less, equal = a.Name < b.Name, a.Name == b.Name
		case "email":
			less, equal = a.Email < b.Email, a.Email == b.Email
		default:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if desc {
			return !less
		}
		return less
	})

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
