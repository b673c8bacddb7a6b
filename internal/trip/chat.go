package trip

import (
	"context"
	"strings"

	"github.com/example/ride-realtime/internal/apperr"
	"github.com/example/ride-realtime/internal/models"
)

const maxMessageLen = 1000

// SendMessage appends a chat line to a trip. Only the two participants may
// write, and only while the trip has a driver and is not finished.
func (m *Machine) SendMessage(ctx context.Context, senderID, tripID, text string) (*models.ChatMessage, *models.Trip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, apperr.BadRequest("message text is required")
	}
	if len(text) > maxMessageLen {
		return nil, nil, apperr.BadRequest("message is longer than %d bytes", maxMessageLen)
	}
	t, err := m.Get(ctx, senderID, tripID)
	if err != nil {
		return nil, nil, err
	}
	if !t.Status.Active() {
		return nil, nil, apperr.InvalidTransition("chat is closed for a ride that is %s", t.Status)
	}
	msg := &models.ChatMessage{
		ID:        m.newID(),
		RideID:    t.ID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: m.now(),
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, nil, apperr.FromStore(err)
	}
	return msg, t, nil
}

// Messages returns the chat of a trip in send order.
func (m *Machine) Messages(ctx context.Context, userID, tripID string) ([]*models.ChatMessage, error) {
	if _, err := m.Get(ctx, userID, tripID); err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	msgs, err := m.store.ListMessages(ctx, tripID)
	if err != nil {
		return nil, apperr.FromStore(err)
	}
	return msgs, nil
}
