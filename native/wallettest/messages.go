package wallettest

import (
	"context"
	"sync"

	"cashrail/native/delivery"
)

// Messages is an in-memory delivery.MessageStore.
type Messages struct {
	mu    sync.Mutex
	rows  map[string]delivery.Message
	order []string

	// FailInsert, when set, is returned by the next InsertMessage call.
	FailInsert error
}

// NewMessages returns an empty message store.
func NewMessages() *Messages {
	return &Messages{rows: make(map[string]delivery.Message)}
}

func (m *Messages) InsertMessage(_ context.Context, msg delivery.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInsert != nil {
		err := m.FailInsert
		m.FailInsert = nil
		return err
	}
	key := tokenKey(msg.Owner, msg.ID)
	if _, ok := m.rows[key]; !ok {
		m.order = append(m.order, key)
	}
	m.rows[key] = msg
	return nil
}

func (m *Messages) MarkSent(_ context.Context, owner, id, wrapID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tokenKey(owner, id)
	msg, ok := m.rows[key]
	if !ok {
		return false, delivery.ErrMessageNotFound
	}
	if msg.WrapID == "" && wrapID != "" {
		msg.WrapID = wrapID
	}
	if msg.Status == delivery.StatusSent {
		m.rows[key] = msg
		return false, nil
	}
	msg.Status = delivery.StatusSent
	m.rows[key] = msg
	return true, nil
}

func (m *Messages) GetMessage(_ context.Context, owner, id string) (delivery.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.rows[tokenKey(owner, id)]
	if !ok {
		return delivery.Message{}, delivery.ErrMessageNotFound
	}
	return msg, nil
}

func (m *Messages) FindByClientID(_ context.Context, owner, clientID string) (delivery.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.order {
		msg := m.rows[key]
		if msg.Owner == owner && clientID != "" && msg.ClientID == clientID {
			return msg, nil
		}
	}
	return delivery.Message{}, delivery.ErrMessageNotFound
}

func (m *Messages) ListMessages(_ context.Context, owner string, filter delivery.MessageFilter) ([]delivery.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []delivery.Message
	for _, key := range m.order {
		msg := m.rows[key]
		if msg.Owner != owner {
			continue
		}
		if filter.ContactID != "" && msg.ContactID != filter.ContactID {
			continue
		}
		if filter.Direction != "" && msg.Direction != filter.Direction {
			continue
		}
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Len returns the number of stored messages for owner.
func (m *Messages) Len(owner string) int {
	out, _ := m.ListMessages(context.Background(), owner, delivery.MessageFilter{})
	return len(out)
}

var _ delivery.MessageStore = (*Messages)(nil)
