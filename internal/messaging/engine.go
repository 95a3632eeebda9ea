// Package messaging persists chat messages and fans them out to live connections.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/media"
	"github.com/signalix/realtime/internal/model"
	"github.com/signalix/realtime/internal/notify"
	"github.com/signalix/realtime/internal/protocol"
	"github.com/signalix/realtime/internal/repo"
)

// PageSize is the number of history records per page.
const PageSize = 20

var tracer = otel.Tracer("messaging-engine")

// Presence delivers events to a user's live connections.
type Presence interface {
	SendToAllHandles(ctx context.Context, userID uuid.UUID, event string, payload any) bool
}

// Result is the outcome of a successful send. Delivered is false when the
// recipient had no live connection; the message is stored either way.
type Result struct {
	Message   model.Message
	Delivered bool
}

// Page is one page of conversation history, newest first.
type Page struct {
	Messages []model.Message `json:"messages"`
	Page     int             `json:"page"`
	More     bool            `json:"more"`
}

type Engine struct {
	users    repo.UserRepo
	messages repo.MessageRepo
	media    media.Store
	presence Presence
	notifier notify.Notifier
	log      *slog.Logger
}

// NewEngine creates a new Engine
func NewEngine(
	log *slog.Logger,
	users repo.UserRepo,
	messages repo.MessageRepo,
	store media.Store,
	presence Presence,
	notifier notify.Notifier,
) *Engine {
	return &Engine{
		users:    users,
		messages: messages,
		media:    store,
		presence: presence,
		notifier: notifier,
		log:      log,
	}
}

// Send stores a chat message from senderID and delivers it to both participants.
func (e *Engine) Send(ctx context.Context, senderID uuid.UUID, req protocol.SendMessage) (Result, error) {
	const op = "messaging.Send"
	ctx, span := tracer.Start(ctx, "Engine.Send", trace.WithAttributes(
		attribute.String("sender_id", senderID.String()),
		attribute.String("recipient_id", req.To),
	))
	defer span.End()

	res, err := e.send(ctx, op, senderID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		e.log.WarnContext(ctx, "messaging - send failed", logging.User(senderID),
			slog.String("kind", string(apperr.KindOf(err))), logging.Err(err))
		return Result{}, err
	}
	span.SetAttributes(attribute.Bool("delivered", res.Delivered))
	span.SetStatus(codes.Ok, "sent")
	return res, nil
}

func (e *Engine) send(ctx context.Context, op string, senderID uuid.UUID, req protocol.SendMessage) (Result, error) {
	if senderID == uuid.Nil {
		return Result{}, apperr.Validation(op, "invalid sender id")
	}
	if req.From != "" && req.From != senderID.String() {
		return Result{}, apperr.Validation(op, "sender does not match connection")
	}
	recipientID, err := uuid.Parse(req.To)
	if err != nil || recipientID == uuid.Nil {
		return Result{}, apperr.Validation(op, "invalid recipient id")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Image == "" {
		return Result{}, apperr.Validation(op, "message must contain text or an image")
	}

	sender, err := e.users.GetByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, apperr.NotFound(op, "sender not found")
		}
		return Result{}, apperr.Storage(op, err)
	}
	ok, err := e.users.Exists(ctx, recipientID)
	if err != nil {
		return Result{}, apperr.Storage(op, err)
	}
	if !ok {
		return Result{}, apperr.NotFound(op, "recipient not found")
	}

	ref, err := e.resolveMedia(ctx, op, senderID, recipientID, req.Image)
	if err != nil {
		return Result{}, err
	}

	msg := model.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        text,
		Media:       ref,
		Type:        model.MessageTypeChat,
		Status:      model.StatusSent,
	}
	if err := e.messages.Create(ctx, &msg); err != nil {
		return Result{}, apperr.Storage(op, err)
	}
	if err := e.link(ctx, msg); err != nil {
		return Result{}, apperr.Storage(op, err)
	}

	delivered := e.presence.SendToAllHandles(ctx, recipientID, protocol.EventNewMessage, msg)
	e.presence.SendToAllHandles(ctx, senderID, protocol.EventMessageSent, protocol.MessageSent{Message: msg, TempID: req.ID})

	if !delivered {
		e.log.InfoContext(ctx, "messaging - recipient offline, delivery deferred",
			logging.Message(msg.ID), logging.User(recipientID))
		notify.Wake(ctx, e.notifier, notify.WakeRequest{
			UserID: recipientID,
			Reason: notify.ReasonNewMessage,
			Title:  sender.DisplayName,
			Body:   preview(msg),
			Ref:    msg.ID.String(),
		})
	}
	return Result{Message: msg, Delivered: delivered}, nil
}

// resolveMedia materializes inline images and types external URLs.
func (e *Engine) resolveMedia(ctx context.Context, op string, owner, peer uuid.UUID, image string) (*model.MediaRef, error) {
	switch {
	case image == "":
		return nil, nil
	case media.IsInline(image):
		mimeType, data, err := media.ParseDataURI(image)
		if err != nil {
			return nil, apperr.Validation(op, fmt.Sprintf("invalid inline image: %v", err))
		}
		ref, err := e.media.Save(ctx, owner, peer, mimeType, data)
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		return &ref, nil
	case media.IsURL(image):
		return &model.MediaRef{Path: image, Type: media.TypeFromURL(image)}, nil
	default:
		return nil, apperr.Validation(op, "unsupported image reference")
	}
}

func (e *Engine) link(ctx context.Context, msg model.Message) error {
	if err := e.users.AppendMessage(ctx, msg.SenderID, msg.ID); err != nil {
		return err
	}
	return e.users.AppendMessage(ctx, msg.RecipientID, msg.ID)
}

func preview(msg model.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return "Sent you an image"
}

// History returns page (zero based) of the conversation between viewer and other.
func (e *Engine) History(ctx context.Context, viewer, other uuid.UUID, page int) (Page, error) {
	const op = "messaging.History"
	ctx, span := tracer.Start(ctx, "Engine.History", trace.WithAttributes(
		attribute.String("viewer_id", viewer.String()),
		attribute.Int("page", page),
	))
	defer span.End()

	if viewer == uuid.Nil || other == uuid.Nil {
		return Page{}, apperr.Validation(op, "invalid user id")
	}
	if page < 0 {
		return Page{}, apperr.Validation(op, "page must not be negative")
	}
	ok, err := e.users.Exists(ctx, other)
	if err != nil {
		span.RecordError(err)
		return Page{}, apperr.Storage(op, err)
	}
	if !ok {
		return Page{}, apperr.NotFound(op, "user not found")
	}

	offset := page * PageSize
	msgs, err := e.messages.ListBetween(ctx, viewer, other, PageSize, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "db read failed")
		return Page{}, apperr.Storage(op, err)
	}
	total, err := e.messages.CountBetween(ctx, viewer, other)
	if err != nil {
		span.RecordError(err)
		return Page{}, apperr.Storage(op, err)
	}
	span.SetAttributes(attribute.Int("message_count", len(msgs)))
	return Page{Messages: msgs, Page: page, More: offset+len(msgs) < total}, nil
}

// Delete removes a message the viewer took part in.
func (e *Engine) Delete(ctx context.Context, viewer, messageID uuid.UUID) error {
	const op = "messaging.Delete"
	if viewer == uuid.Nil || messageID == uuid.Nil {
		return apperr.Validation(op, "invalid id")
	}
	if err := e.messages.Delete(ctx, messageID, viewer); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound(op, "message not found")
		}
		return apperr.Storage(op, err)
	}
	e.log.InfoContext(ctx, "messaging - message deleted", logging.Message(messageID), logging.User(viewer))
	return nil
}
