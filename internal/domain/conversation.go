package domain

import "time"

// SessionState is the position of a conversation in the entry flow.
type SessionState string

const (
	StateAwaitingInput      SessionState = "AWAITING_INPUT"
	StateNeedsClarification SessionState = "NEEDS_CLARIFICATION"
	StateFinalized          SessionState = "FINALIZED"
	StateAbandoned          SessionState = "ABANDONED"
)

// Terminal reports whether no further turns may be applied.
func (s SessionState) Terminal() bool {
	return s == StateFinalized || s == StateAbandoned
}

// Slots holds the transaction fields gathered so far. Values are kept as the
// model reported them; they are only trusted after validation.
type Slots struct {
	Type          string `json:"type,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Date          string `json:"date,omitempty"`
	Category      string `json:"category,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	Memo          string `json:"memo,omitempty"`
}

// Merge returns s overlaid with every non-empty field of next.
func (s Slots) Merge(next Slots) Slots {
	out := s
	if next.Type != "" {
		out.Type = next.Type
	}
	if next.Amount != "" {
		out.Amount = next.Amount
	}
	if next.Date != "" {
		out.Date = next.Date
	}
	if next.Category != "" {
		out.Category = next.Category
	}
	if next.PaymentMethod != "" {
		out.PaymentMethod = next.PaymentMethod
	}
	if next.Memo != "" {
		out.Memo = next.Memo
	}
	return out
}

// ConversationSession is an in-flight transaction entry chat.
type ConversationSession struct {
	ConversationID string
	UserID         int64
	BookID         int64
	Messages       []ChatMessage
	Slots          Slots
	State          SessionState
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// Version is the write counter used for conditional saves.
	Version int64
}

// Append adds a message to the transcript and advances LastAccessedAt. The
// access time never moves backwards, even if the clock does.
func (s *ConversationSession) Append(role, content string, now time.Time) {
	s.Messages = append(s.Messages, ChatMessage{Role: role, Content: content})
	if now.After(s.LastAccessedAt) {
		s.LastAccessedAt = now
	}
}

// Clone returns a deep copy so a turn can be built without touching the
// loaded session until it is saved.
func (s ConversationSession) Clone() ConversationSession {
	out := s
	out.Messages = make([]ChatMessage, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
