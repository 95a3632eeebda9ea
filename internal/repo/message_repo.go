package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/model"
)

// MessageRepo defines the interface for message repository operations
type MessageRepo interface {
	Create(ctx context.Context, msg *model.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Message, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error
	ListBetween(ctx context.Context, a, b uuid.UUID, limit, offset int) ([]model.Message, error)
	CountBetween(ctx context.Context, a, b uuid.UUID) (int, error)
	CancelPendingCallRequests(ctx context.Context, a, b uuid.UUID) (int64, error)
	Delete(ctx context.Context, id, byUser uuid.UUID) error
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

const messageColumns = `id, sender_id, recipient_id, body, media_path, media_type, type, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var mediaPath, mediaType sql.NullString
	var typ, status string
	if err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.RecipientID,
		&m.Text,
		&mediaPath,
		&mediaType,
		&typ,
		&status,
		&m.CreatedAt,
	); err != nil {
		return model.Message{}, err
	}
	m.Type = model.MessageType(typ)
	m.Status = model.MessageStatus(status)
	if mediaPath.Valid {
		m.Media = &model.MediaRef{Path: mediaPath.String, Type: mediaType.String}
	}
	return m, nil
}

// Create persists a new message. ID is assigned when unset; CreatedAt comes from the database.
func (r *messageRepo) Create(ctx context.Context, msg *model.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	var mediaPath, mediaType sql.NullString
	if msg.Media != nil {
		mediaPath = sql.NullString{String: msg.Media.Path, Valid: true}
		mediaType = sql.NullString{String: msg.Media.Type, Valid: true}
	}

	query := `
		INSERT INTO messages (id, sender_id, recipient_id, body, media_path, media_type, type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Text,
		mediaPath, mediaType, string(msg.Type), string(msg.Status),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetByID retrieves a message by ID
func (r *messageRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

// UpdateStatus sets the lifecycle status of a message
func (r *messageRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListBetween returns messages exchanged by a and b, most recent first
func (r *messageRepo) ListBetween(ctx context.Context, a, b uuid.UUID, limit, offset int) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, a, b, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// CountBetween counts messages exchanged by a and b
func (r *messageRepo) CountBetween(ctx context.Context, a, b uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
	`, a, b).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CancelPendingCallRequests marks every pending call request between a and b as cancelled
func (r *messageRepo) CancelPendingCallRequests(ctx context.Context, a, b uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = $3
		WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
		  AND type = $4 AND status = $5
	`, a, b, string(model.StatusCancelled), string(model.MessageTypeVideoCallRequest), string(model.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending call requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete removes a message if byUser participated in it
func (r *messageRepo) Delete(ctx context.Context, id, byUser uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id = $1 AND (sender_id = $2 OR recipient_id = $2)
	`, id, byUser)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}
