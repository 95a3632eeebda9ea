package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/model"
)

// MemoryStore keeps users and messages in process memory. Users and Messages
// expose it through the repository interfaces.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]model.User
	messages map[uuid.UUID]model.Message
	history  map[uuid.UUID][]uuid.UUID
	now      func() time.Time
	last     time.Time
	failNext error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uuid.UUID]model.User),
		messages: make(map[uuid.UUID]model.Message),
		history:  make(map[uuid.UUID][]uuid.UUID),
		now:      time.Now,
	}
}

// Users returns the UserRepo view of the store.
func (s *MemoryStore) Users() UserRepo { return memUsers{s} }

// Messages returns the MessageRepo view of the store.
func (s *MemoryStore) Messages() MessageRepo { return memMessages{s} }

// AddUser seeds a user and returns its id.
func (s *MemoryStore) AddUser(displayName string) uuid.UUID {
	u, _ := s.Users().Create(context.Background(), "", displayName)
	return u.ID
}

// FailNextWrite makes the next message write return err.
func (s *MemoryStore) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// HistoryOf returns the message ids linked to userID in insertion order.
func (s *MemoryStore) HistoryOf(userID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uuid.UUID(nil), s.history[userID]...)
}

// MessageCount returns the number of stored messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// tick returns a strictly increasing timestamp so history order is stable.
func (s *MemoryStore) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

type memUsers struct{ s *MemoryStore }

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (r memUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.users[id]
	return ok, nil
}

func (r memUsers) Create(_ context.Context, phone, displayName string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := model.User{ID: uuid.New(), PhoneNumber: phone, DisplayName: displayName, CreatedAt: r.s.now()}
	r.s.users[u.ID] = u
	return u, nil
}

func (r memUsers) SetPresence(_ context.Context, id uuid.UUID, online bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Online = online
	u.LastSeenAt = &at
	r.s.users[id] = u
	return nil
}

func (r memUsers) AppendMessage(_ context.Context, userID, messageID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range r.s.history[userID] {
		if id == messageID {
			return nil
		}
	}
	r.s.history[userID] = append(r.s.history[userID], messageID)
	return nil
}

type memMessages struct{ s *MemoryStore }

func (r memMessages) Create(_ context.Context, msg *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = r.s.tick()
	r.s.messages[msg.ID] = *msg
	return nil
}

func (r memMessages) GetByID(_ context.Context, id uuid.UUID) (model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, nil
}

func (r memMessages) UpdateStatus(_ context.Context, id uuid.UUID, status model.MessageStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	m, ok := r.s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	m.Status = status
	r.s.messages[id] = m
	return nil
}

func (r memMessages) between(a, b uuid.UUID) []model.Message {
	var out []model.Message
	for _, m := range r.s.messages {
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r memMessages) ListBetween(_ context.Context, a, b uuid.UUID, limit, offset int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	all := r.between(a, b)
	if offset >= len(all) {
		return []model.Message{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r memMessages) CountBetween(_ context.Context, a, b uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.between(a, b)), nil
}

func (r memMessages) CancelPendingCallRequests(_ context.Context, a, b uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.between(a, b) {
		if m.Type == model.MessageTypeVideoCallRequest && m.Status == model.StatusPending {
			m.Status = model.StatusCancelled
			r.s.messages[m.ID] = m
			n++
		}
	}
	return n, nil
}

func (r memMessages) Delete(_ context.Context, id, byUser uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !m.Involves(byUser) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	delete(r.s.messages, id)
	return nil
}
