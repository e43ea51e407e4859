package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
)

const (
	defaultGatewayTimeout   = 20 * time.Second
	defaultMaxMessageLength = 1000
)

type SessionManager interface {
	Create(ctx context.Context, userID, bookID int64) (domain.ConversationSession, error)
	Get(ctx context.Context, conversationID string) (domain.ConversationSession, error)
	Save(ctx context.Context, s domain.ConversationSession) (domain.ConversationSession, error)
	Delete(ctx context.Context, conversationID string) error
}

type BookReader interface {
	GetBook(ctx context.Context, bookID int64) (domain.Book, error)
}

type ChartOfAccounts interface {
	ListAccounts(ctx context.Context, bookType domain.BookType) ([]domain.Account, error)
	Lookup(ctx context.Context, bookID int64, nameOrCode string, accountType domain.AccountType) (domain.Account, error)
}

type TransactionWriter interface {
	CreateTransaction(ctx context.Context, d domain.TransactionDraft) (domain.TransactionSummary, error)
}

// Notifier is told about every recorded transaction. Failures are logged and
// never fail the turn.
type Notifier interface {
	TransactionCreated(ctx context.Context, userID int64, sum domain.TransactionSummary) error
}

type ChatDeps struct {
	Sessions SessionManager
	Books    BookReader
	Chart    ChartOfAccounts
	Writer   TransactionWriter
	LLM      llm.Client
	Notifier Notifier
}

type ChatConfig struct {
	GatewayTimeout   time.Duration
	MaxMessageLength int
	Location         *time.Location
}

// ChatService runs the transaction-entry conversation.
type ChatService struct {
	sessions       SessionManager
	books          BookReader
	chart          ChartOfAccounts
	writer         TransactionWriter
	llm            llm.Client
	notifier       Notifier
	gatewayTimeout time.Duration
	maxMessageLen  int
	loc            *time.Location
	locks          *keyLock
	now            func() time.Time
}

type ChatInput struct {
	ConversationID string
	BookID         int64
	Message        string
}

type ChatOutput struct {
	ConversationID string
	NeedsMoreInfo  bool
	Message        string
	Suggestions    []string
	Transaction    *domain.TransactionSummary
}

type noopNotifier struct{}

func (noopNotifier) TransactionCreated(context.Context, int64, domain.TransactionSummary) error {
	return nil
}

func NewChatService(deps ChatDeps, cfg ChatConfig) (*ChatService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if deps.Books == nil {
		return nil, errors.New("usecase: book reader must not be nil")
	}
	if deps.Chart == nil {
		return nil, errors.New("usecase: chart of accounts must not be nil")
	}
	if deps.Writer == nil {
		return nil, errors.New("usecase: transaction writer must not be nil")
	}
	if deps.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ChatService{
		sessions:       deps.Sessions,
		books:          deps.Books,
		chart:          deps.Chart,
		writer:         deps.Writer,
		llm:            deps.LLM,
		notifier:       notifier,
		gatewayTimeout: cfg.GatewayTimeout,
		maxMessageLen:  cfg.MaxMessageLength,
		loc:            cfg.Location,
		locks:          newKeyLock(),
		now:            time.Now,
	}, nil
}

// Chat applies one user turn. A clarification is a successful output with
// NeedsMoreInfo set; errors are always *Error.
func (s *ChatService) Chat(ctx context.Context, userID int64, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if userID <= 0 {
		return ChatOutput{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	if message == "" {
		return ChatOutput{}, newError(ErrorValidation, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorValidation, "message_too_long", nil)
	}
	if in.BookID <= 0 {
		return ChatOutput{}, newError(ErrorValidation, "invalid_book_id", nil)
	}

	book, err := s.books.GetBook(ctx, in.BookID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ChatOutput{}, newError(ErrorNotFound, "book_not_found", err)
		}
		return ChatOutput{}, newError(ErrorInternal, "book_lookup_error", err)
	}
	if book.UserID != userID {
		return ChatOutput{}, newError(ErrorInvalidReference, "book_not_owned", nil)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		sess, err := s.sessions.Create(ctx, userID, book.ID)
		if err != nil {
			return ChatOutput{}, storeError("session_create_error", err)
		}
		out, err := s.turn(ctx, userID, book, sess, message)
		if err != nil {
			s.discard(ctx, sess.ConversationID)
		}
		return out, err
	}

	unlock, err := s.locks.Lock(ctx, convID)
	if err != nil {
		return ChatOutput{}, newError(ErrorConflict, "conversation_busy", err)
	}
	defer unlock()

	sess, err := s.loadSession(ctx, userID, book.ID, convID)
	if err != nil {
		return ChatOutput{}, err
	}
	return s.turn(ctx, userID, book, sess, message)
}

func (s *ChatService) loadSession(ctx context.Context, userID, bookID int64, convID string) (domain.ConversationSession, error) {
	sess, err := s.sessions.Get(ctx, convID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ConversationSession{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.ConversationSession{}, newError(ErrorInternal, "session_load_error", err)
	}
	if sess.UserID != userID {
		return domain.ConversationSession{}, newError(ErrorUnauthorized, "conversation_user_mismatch", nil)
	}
	if sess.BookID != bookID {
		return domain.ConversationSession{}, newError(ErrorInvalidReference, "conversation_book_mismatch", nil)
	}
	if sess.State.Terminal() {
		return domain.ConversationSession{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return sess, nil
}

// turn calls the model and either persists the clarified session or records
// the transaction. The stored session is untouched when it fails.
func (s *ChatService) turn(ctx context.Context, userID int64, book domain.Book, sess domain.ConversationSession, message string) (ChatOutput, error) {
	accounts, err := s.chart.ListAccounts(ctx, book.BookType)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "accounts_lookup_error", err)
	}
	today := s.today()

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	resp, err := s.llm.SendMessage(gctx, buildRequest(promptContext{book: book, accounts: accounts, today: today}, sess, message))
	cancel()
	if err != nil {
		slog.WarnContext(ctx, "llm call failed", "conversation_id", sess.ConversationID, "err", err)
		return ChatOutput{}, gatewayError(err)
	}

	interp := interpreter{chart: s.chart, book: book, accounts: accounts, today: today, loc: s.loc}
	res, err := interp.interpret(ctx, userID, sess.Slots, resp.Extraction, resp.Suggestions, resp.Text)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "interpret_error", err)
	}

	now := s.now()
	next := sess.Clone()
	next.Append(domain.RoleUser, message, now)

	switch o := res.(type) {
	case needsInput:
		next.Append(domain.RoleAssistant, o.message, now)
		next.Slots = o.slots
		next.State = domain.StateNeedsClarification
		if _, err := s.sessions.Save(ctx, next); err != nil {
			return ChatOutput{}, storeError("session_save_error", err)
		}
		slog.InfoContext(ctx, "conversation needs more info",
			"conversation_id", next.ConversationID,
			"book_id", next.BookID,
			"turns", len(next.Messages)/2)
		return ChatOutput{
			ConversationID: next.ConversationID,
			NeedsMoreInfo:  true,
			Message:        o.message,
			Suggestions:    o.suggestions,
		}, nil
	case ready:
		next.Append(domain.RoleAssistant, resp.Text, now)
		next.Slots = o.slots
		next.State = domain.StateFinalized
		return s.finalize(ctx, userID, sess, next, o.draft, resp.Text)
	default:
		return ChatOutput{}, newError(ErrorInternal, "unknown_outcome", nil)
	}
}

// finalize claims the session with a versioned save before writing the
// transaction, so two processes cannot both record it.
func (s *ChatService) finalize(ctx context.Context, userID int64, prev, next domain.ConversationSession, draft domain.TransactionDraft, reply string) (ChatOutput, error) {
	claimed, err := s.sessions.Save(ctx, next)
	if err != nil {
		return ChatOutput{}, storeError("session_save_error", err)
	}

	sum, err := s.writer.CreateTransaction(ctx, draft)
	if err != nil {
		s.restore(ctx, prev, claimed.Version)
		return ChatOutput{}, storeError("transaction_write_error", err)
	}

	if err := s.sessions.Delete(ctx, claimed.ConversationID); err != nil {
		slog.WarnContext(ctx, "failed to delete finalized session", "conversation_id", claimed.ConversationID, "err", err)
	}
	if err := s.notifier.TransactionCreated(ctx, userID, sum); err != nil {
		slog.WarnContext(ctx, "failed to publish transaction event", "transaction_id", sum.ID, "err", err)
	}
	slog.InfoContext(ctx, "transaction finalized",
		"conversation_id", claimed.ConversationID,
		"book_id", sum.BookID,
		"transaction_id", sum.ID)

	return ChatOutput{
		ConversationID: claimed.ConversationID,
		NeedsMoreInfo:  false,
		Message:        reply,
		Transaction:    &sum,
	}, nil
}

// restore puts the pre-turn session back after a failed finalization.
func (s *ChatService) restore(ctx context.Context, prev domain.ConversationSession, version int64) {
	prev = prev.Clone()
	prev.Version = version
	if _, err := s.sessions.Save(context.WithoutCancel(ctx), prev); err != nil {
		slog.ErrorContext(ctx, "failed to restore session", "conversation_id", prev.ConversationID, "err", err)
	}
}

// discard removes a session created by a turn that failed.
func (s *ChatService) discard(ctx context.Context, convID string) {
	if err := s.sessions.Delete(context.WithoutCancel(ctx), convID); err != nil {
		slog.ErrorContext(ctx, "failed to discard session", "conversation_id", convID, "err", err)
	}
}

func (s *ChatService) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}
