package roomsync

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomsync/events"
	"github.com/oklog/ulid/v2"
)

var ErrEmptyMessage = errors.New("message text is empty")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newMessageID returns a ULID so message ids sort by send time.
func newMessageID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// SendMessage broadcasts a short notice to the room. The message travels on
// the room channel as a message_send event and on the message channel by
// itself; receivers keep one copy per id. A ttl of zero never expires.
func (c *ControllerHandle) SendMessage(ctx context.Context, text string, severity models.Severity, ttl time.Duration) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if severity == "" {
		severity = models.SeverityInfo
	}

	var sent models.Message
	err := c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		msg := models.Message{
			ID:         newMessageID(at),
			Text:       text,
			Severity:   severity,
			SenderID:   c.s.self.ID,
			SenderName: c.s.self.Name,
			SentAt:     at,
			Visible:    true,
		}
		if ttl > 0 {
			expires := at.Add(ttl)
			msg.ExpiresAt = &expires
		}
		sent = msg
		return events.MessageSend(c.s.code, c.s.self.ID, at, msg)
	})
	if err != nil {
		return models.Message{}, err
	}
	return sent, nil
}

// DismissMessage hides a message on every device. The message stays in the
// room state.
func (c *ControllerHandle) DismissMessage(ctx context.Context, id string) error {
	return c.s.act(ctx, func(at time.Time) (events.RoomEvent, error) {
		return events.MessageDismiss(c.s.code, c.s.self.ID, at, id)
	})
}

// SubscribeToMessages registers fn for each message id this device sees for
// the first time, whichever path delivered it. Callbacks run on the session
// loop and must not block.
func (s *Session) SubscribeToMessages(fn func(models.Message)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.msgSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.msgSubs, id)
	}
}

// receiveMessage handles the dedicated message channel.
func (s *Session) receiveMessage(msg models.Message) {
	m, ok := s.rep.addMessage(msg)
	if !ok {
		return
	}
	s.after(applyResult{changed: true, messages: []models.Message{m}})
}

func (s *Session) notifyMessage(m models.Message) {
	s.subMu.Lock()
	fns := make([]func(models.Message), 0, len(s.msgSubs))
	for _, fn := range s.msgSubs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
}
