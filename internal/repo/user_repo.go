package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/model"
)

// ErrNotFound is returned when a user or message row does not exist.
var ErrNotFound = errors.New("not found")

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Create(ctx context.Context, phone, displayName string) (model.User, error)
	SetPresence(ctx context.Context, id uuid.UUID, online bool, at time.Time) error
	AppendMessage(ctx context.Context, userID, messageID uuid.UUID) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, COALESCE(phone_number, ''), display_name, online, last_seen_at, created_at
		FROM users
		WHERE id = $1
	`
	var user model.User
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.PhoneNumber,
		&user.DisplayName,
		&user.Online,
		&lastSeen,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeenAt = &t
	}
	return user, nil
}

// Exists reports whether a user row exists
func (r *userRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}

// Create inserts a user. Used for seeding; account issuance lives elsewhere.
func (r *userRepo) Create(ctx context.Context, phone, displayName string) (model.User, error) {
	query := `
		INSERT INTO users (phone_number, display_name)
		VALUES (NULLIF($1, ''), $2)
		RETURNING id, created_at
	`
	user := model.User{PhoneNumber: phone, DisplayName: displayName}
	if err := r.db.QueryRowContext(ctx, query, phone, displayName).Scan(&user.ID, &user.CreatedAt); err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// SetPresence records the derived online flag and last-seen timestamp
func (r *userRepo) SetPresence(ctx context.Context, id uuid.UUID, online bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET online = $2, last_seen_at = $3 WHERE id = $1`,
		id, online, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendMessage links a message into a user's history
func (r *userRepo) AppendMessage(ctx context.Context, userID, messageID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_messages (user_id, message_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, messageID)
	if err != nil {
		return fmt.Errorf("failed to link message: %w", err)
	}
	return nil
}
