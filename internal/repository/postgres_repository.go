package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rongwang/referral-server/internal/models"
)

var (
	// ErrVersionConflict is returned by UpdateUser when the stored document
	// changed since it was read
	ErrVersionConflict = errors.New("user document version conflict")
	// ErrDuplicateEmail is returned when the email is already registered
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateReferralID is returned when the referral code is taken
	ErrDuplicateReferralID = errors.New("referral id already taken")
)

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByReferralID(ctx context.Context, referralID string) (*models.User, error)

	// UpdateUser writes the whole document if its version is unchanged and
	// bumps user.Version on success
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error

	// Admin listing
	ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)

	Ping(ctx context.Context) error
}

// sortColumns whitelists the admin sort keys
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"name":      "name",
	"email":     "email",
}

// SortColumn maps an API sort key to its column, reporting whether it is allowed
func SortColumn(sortBy string) (string, bool) {
	col, ok := sortColumns[sortBy]
	return col, ok
}

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// Ping checks the database connection
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// User repository methods
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (
			id, email, name, phone, password, referral_id, referral_by_id, role,
			super_referral, account_status, email_verified, fortnightly_profit, referral,
			version, created_at, updated_at
		)
		VALUES (
			:id, :email, :name, :phone, :password, :referral_id, :referral_by_id, :role,
			:super_referral, :account_status, :email_verified, :fortnightly_profit, :referral,
			:version, :created_at, :updated_at
		)
	`

	// Generate a new UUID if not provided
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(user.Email)

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Version = 1

	_, err := r.db.NamedExecContext(ctx, query, user)
	return translateError(err)
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, `SELECT * FROM users WHERE email = $1`, strings.ToLower(email))
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.getUser(ctx, `SELECT * FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) GetUserByReferralID(ctx context.Context, referralID string) (*models.User, error) {
	return r.getUser(ctx, `SELECT * FROM users WHERE referral_id = $1`, referralID)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) UpdateUser(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users SET
			email = :email,
			name = :name,
			phone = :phone,
			password = :password,
			role = :role,
			super_referral = :super_referral,
			account_status = :account_status,
			email_verified = :email_verified,
			fortnightly_profit = :fortnightly_profit,
			referral = :referral,
			version = version + 1,
			updated_at = :updated_at
		WHERE id = :id AND version = :version
	`

	user.Email = strings.ToLower(user.Email)
	user.UpdatedAt = time.Now().UTC()

	res, err := r.db.NamedExecContext(ctx, query, user)
	if err != nil {
		return translateError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	user.Version++
	return nil
}

func (r *PostgresRepository) DeleteUser(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) ListUsers(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	where := ""
	args := []interface{}{}

	if filter.Name != "" {
		where = ` WHERE name ILIKE $1`
		args = append(args, "%"+escapeLike(filter.Name)+"%")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM users`+where, args...); err != nil {
		return nil, 0, err
	}

	col, ok := SortColumn(filter.SortBy)
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}

	query := fmt.Sprintf(`SELECT * FROM users%s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		where, col, order, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	var users []models.User
	if err := r.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, 0, err
	}

	return users, total, nil
}

// translateError maps unique violations onto repository errors
func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case "users_email_key":
			return ErrDuplicateEmail
		case "users_referral_id_key":
			return ErrDuplicateReferralID
		}
	}
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
