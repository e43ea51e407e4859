package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
	"ledger-agent/internal/session"
)

var (
	kst      = time.FixedZone("KST", 9*60*60)
	fixedNow = time.Date(2025, 1, 10, 9, 0, 0, 0, kst)
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu        sync.Mutex
	books     map[int64]domain.Book
	accounts  []domain.Account
	created   []domain.TransactionDraft
	createErr error
	listErr   error
}

func newFakeLedger() *fakeLedger {
	acct := func(id int64, code, name string, typ domain.AccountType, bt domain.BookType) domain.Account {
		return domain.Account{ID: id, Code: code, Name: name, AccountType: typ, BookType: bt, IsActive: true}
	}
	return &fakeLedger{
		books: map[int64]domain.Book{
			1: {ID: 1, UserID: 7, Name: "가계부", BookType: domain.BookPersonal, IsActive: true},
			2: {ID: 2, UserID: 8, Name: "남의 가계부", BookType: domain.BookPersonal, IsActive: true},
			3: {ID: 3, UserID: 7, Name: "사업", BookType: domain.BookBusiness, IsActive: true},
		},
		accounts: []domain.Account{
			acct(11, "1100", "현금", domain.AccountPaymentMethod, domain.BookPersonal),
			acct(14, "1400", "신용카드", domain.AccountPaymentMethod, domain.BookPersonal),
			acct(41, "4100", "급여", domain.AccountRevenue, domain.BookPersonal),
			acct(51, "5100", "식비", domain.AccountExpense, domain.BookPersonal),
			acct(52, "5200", "교통비", domain.AccountExpense, domain.BookPersonal),
			acct(54, "5400", "쇼핑", domain.AccountExpense, domain.BookPersonal),
			acct(21, "2100", "현금", domain.AccountPaymentMethod, domain.BookBusiness),
			acct(71, "7100", "외주비", domain.AccountExpense, domain.BookBusiness),
		},
	}
}

func (f *fakeLedger) GetBook(_ context.Context, bookID int64) (domain.Book, error) {
	b, ok := f.books[bookID]
	if !ok {
		return domain.Book{}, fmt.Errorf("book %d: %w", bookID, domain.ErrNotFound)
	}
	return b, nil
}

func (f *fakeLedger) CheckBookOwner(ctx context.Context, userID, bookID int64) error {
	b, err := f.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if b.UserID != userID {
		return domain.ErrInvalidReference
	}
	return nil
}

func (f *fakeLedger) ListAccounts(_ context.Context, bookType domain.BookType) ([]domain.Account, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Account
	for _, a := range f.accounts {
		if a.BookType == bookType {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeLedger) Lookup(ctx context.Context, bookID int64, nameOrCode string, typ domain.AccountType) (domain.Account, error) {
	b, err := f.GetBook(ctx, bookID)
	if err != nil {
		return domain.Account{}, err
	}
	for _, a := range f.accounts {
		if a.BookType == b.BookType && a.AccountType == typ && (a.Code == nameOrCode || strings.EqualFold(a.Name, nameOrCode)) {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (f *fakeLedger) account(id int64) domain.Account {
	for _, a := range f.accounts {
		if a.ID == id {
			return a
		}
	}
	return domain.Account{}
}

func (f *fakeLedger) CreateTransaction(_ context.Context, d domain.TransactionDraft) (domain.TransactionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.TransactionSummary{}, f.createErr
	}
	f.created = append(f.created, d)
	return domain.TransactionSummary{
		ID:                int64(len(f.created)),
		BookID:            d.BookID,
		Date:              d.Date.Format(dateLayout),
		Type:              d.Type,
		Amount:            d.Amount,
		CategoryID:        d.CategoryID,
		CategoryName:      f.account(d.CategoryID).Name,
		PaymentMethodID:   d.PaymentMethodID,
		PaymentMethodName: f.account(d.PaymentMethodID).Name,
		Memo:              d.Memo,
		CreatedAt:         fixedNow,
	}, nil
}

type llmReply struct {
	resp llm.Response
	err  error
}

func reply(text string, slots domain.Slots, suggestions ...string) llmReply {
	return llmReply{resp: llm.Response{Text: text, Extraction: slots, Suggestions: suggestions, Model: "fake"}}
}

type fakeLLM struct {
	mu       sync.Mutex
	replies  []llmReply
	calls    int
	requests []llm.Request
	delay    time.Duration
	block    bool
}

func (f *fakeLLM) SendMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return llm.Response{}, llm.Unavailable(ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(f.replies) == 0 {
		return llm.Response{}, errors.New("no llm reply configured")
	}
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	r := f.replies[idx]
	return r.resp, r.err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.TransactionSummary
	err    error
}

func (f *fakeNotifier) TransactionCreated(_ context.Context, _ int64, sum domain.TransactionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sum)
	return f.err
}

type harness struct {
	svc      *ChatService
	ledger   *fakeLedger
	llm      *fakeLLM
	store    *session.MemoryStore
	notifier *fakeNotifier
}

func newHarness(t *testing.T, replies ...llmReply) *harness {
	t.Helper()
	ledger := newFakeLedger()
	store := session.NewMemoryStore()
	mgr, err := session.NewManager(store, ledger, session.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	h := &harness{ledger: ledger, llm: &fakeLLM{replies: replies}, store: store, notifier: &fakeNotifier{}}
	h.svc, err = NewChatService(ChatDeps{
		Sessions: mgr,
		Books:    ledger,
		Chart:    ledger,
		Writer:   ledger,
		LLM:      h.llm,
		Notifier: h.notifier,
	}, ChatConfig{GatewayTimeout: time.Second, MaxMessageLength: 200, Location: kst})
	require.NoError(t, err)
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	require.Error(t, err)
	var uerr *Error
	require.True(t, errors.As(err, &uerr), "expected *usecase.Error, got %T", err)
	require.Equal(t, code, uerr.Code, "reason=%s", uerr.Reason)
	return uerr
}

func (h *harness) session(t *testing.T, id string) domain.ConversationSession {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// ---------------------------------------------------------------------------
// NewChatService
// ---------------------------------------------------------------------------

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	ledger := newFakeLedger()
	mgr, err := session.NewManager(session.NewMemoryStore(), ledger)
	require.NoError(t, err)
	full := ChatDeps{Sessions: mgr, Books: ledger, Chart: ledger, Writer: ledger, LLM: &fakeLLM{}}

	for name, mutate := range map[string]func(d *ChatDeps){
		"sessions": func(d *ChatDeps) { d.Sessions = nil },
		"books":    func(d *ChatDeps) { d.Books = nil },
		"chart":    func(d *ChatDeps) { d.Chart = nil },
		"writer":   func(d *ChatDeps) { d.Writer = nil },
		"llm":      func(d *ChatDeps) { d.LLM = nil },
	} {
		d := full
		mutate(&d)
		_, err := NewChatService(d, ChatConfig{})
		require.Error(t, err, name)
	}

	svc, err := NewChatService(full, ChatConfig{})
	require.NoError(t, err)
	require.Equal(t, defaultGatewayTimeout, svc.gatewayTimeout)
	require.Equal(t, defaultMaxMessageLength, svc.maxMessageLen)
	require.Equal(t, time.UTC, svc.loc)
	require.IsType(t, noopNotifier{}, svc.notifier)
}

// ---------------------------------------------------------------------------
// Chat: finalization
// ---------------------------------------------------------------------------

func TestChat_FinalizesCompleteExtraction(t *testing.T) {
	h := newHarness(t, reply("식비 15,000원 기록했어요.", domain.Slots{Amount: "15000", Date: "2025-01-10", Category: "식비"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "오늘 점심 15000원"})
	require.NoError(t, err)
	require.False(t, out.NeedsMoreInfo)
	require.NotEmpty(t, out.ConversationID)
	require.Equal(t, "식비 15,000원 기록했어요.", out.Message)
	require.NotNil(t, out.Transaction)

	tx := out.Transaction
	require.True(t, tx.Amount.Equal(decimal.NewFromInt(15000)))
	require.Equal(t, "2025-01-10", tx.Date)
	require.Equal(t, "식비", tx.CategoryName)
	require.Equal(t, domain.TransactionExpense, tx.Type)
	require.Equal(t, "현금", tx.PaymentMethodName)
	require.Equal(t, defaultMemo, tx.Memo)

	_, err = h.store.Get(context.Background(), out.ConversationID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, h.notifier.events, 1)

	_, err = h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "하나 더"})
	requireCode(t, err, ErrorNotFound)
}

func TestChat_DefaultsDateToToday(t *testing.T) {
	h := newHarness(t, reply("기록했어요.", domain.Slots{Amount: "8000", Category: "교통비", PaymentMethod: "신용카드", Memo: "택시"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "택시비 8000원 카드로"})
	require.NoError(t, err)
	require.Equal(t, "2025-01-10", out.Transaction.Date)
	require.Equal(t, "신용카드", out.Transaction.PaymentMethodName)
	require.Equal(t, "택시", out.Transaction.Memo)
}

func TestChat_InfersIncomeFromCategory(t *testing.T) {
	h := newHarness(t, reply("급여 기록했어요.", domain.Slots{Amount: "3000000", Category: "급여"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "월급 300만원 들어옴"})
	require.NoError(t, err)
	require.Equal(t, domain.TransactionIncome, out.Transaction.Type)
	require.Equal(t, "급여", out.Transaction.CategoryName)
}

func TestChat_TruncatesLongMemo(t *testing.T) {
	h := newHarness(t, reply("ok", domain.Slots{Amount: "1000", Category: "식비", Memo: strings.Repeat("메", maxMemoLength+20)}))
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "간식 1000원"})
	require.NoError(t, err)
	require.Equal(t, maxMemoLength, len([]rune(out.Transaction.Memo)))
}

// ---------------------------------------------------------------------------
// Chat: clarification
// ---------------------------------------------------------------------------

func TestChat_AmountOnlyAsksForCategory(t *testing.T) {
	h := newHarness(t,
		reply("어떤 카테고리인가요?", domain.Slots{Amount: "15000"}),
		reply("식비로 기록했어요.", domain.Slots{Category: "식비"}),
	)

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원 썼어"})
	require.NoError(t, err)
	require.True(t, out.NeedsMoreInfo)
	require.Nil(t, out.Transaction)
	require.Equal(t, "어떤 카테고리인가요?", out.Message)
	require.Equal(t, []string{"식비", "교통비", "쇼핑", "급여"}, out.Suggestions)

	s := h.session(t, out.ConversationID)
	require.Equal(t, domain.StateNeedsClarification, s.State)
	require.Equal(t, "15000", s.Slots.Amount)
	require.Len(t, s.Messages, 2)
	require.Equal(t, domain.RoleUser, s.Messages[0].Role)
	require.Equal(t, domain.RoleAssistant, s.Messages[1].Role)

	final, err := h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "밥값"})
	require.NoError(t, err)
	require.False(t, final.NeedsMoreInfo)
	require.Equal(t, out.ConversationID, final.ConversationID)
	require.True(t, final.Transaction.Amount.Equal(decimal.NewFromInt(15000)))

	second := h.llm.requests[1]
	require.Len(t, second.Messages, 3)
	require.Equal(t, "밥값", second.Messages[2].Content)
	require.Contains(t, second.System, `"amount":"15000"`)
}

func TestChat_CorrectedCategoryChangesDirection(t *testing.T) {
	h := newHarness(t,
		reply("얼마였나요?", domain.Slots{Category: "식비"}),
		reply("급여로 기록했어요.", domain.Slots{Amount: "3000000", Category: "급여"}),
	)

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "밥"})
	require.NoError(t, err)
	require.True(t, out.NeedsMoreInfo)

	s := h.session(t, out.ConversationID)
	require.Equal(t, "식비", s.Slots.Category)
	require.Empty(t, s.Slots.Type)

	final, err := h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "아니 월급 300만원"})
	require.NoError(t, err)
	require.False(t, final.NeedsMoreInfo)
	require.NotNil(t, final.Transaction)
	require.Equal(t, domain.TransactionIncome, final.Transaction.Type)
	require.Equal(t, "급여", final.Transaction.CategoryName)
}

func TestChat_UsesModelSuggestions(t *testing.T) {
	h := newHarness(t, reply("카테고리를 골라주세요.", domain.Slots{Amount: "15000"}, "쇼핑", "식비"))
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	require.NoError(t, err)
	require.Equal(t, []string{"쇼핑", "식비"}, out.Suggestions)
}

func TestChat_UnknownCategoryReprompts(t *testing.T) {
	h := newHarness(t, reply("카페로 기록할게요.", domain.Slots{Amount: "5000", Category: "식비류", Type: "EXPENSE"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "커피 5000원"})
	require.NoError(t, err)
	require.True(t, out.NeedsMoreInfo)
	require.Nil(t, out.Transaction)
	require.Contains(t, out.Message, "식비류")
	require.NotEmpty(t, out.Suggestions)
	require.Equal(t, "식비", out.Suggestions[0])
	require.Empty(t, h.ledger.created)

	s := h.session(t, out.ConversationID)
	require.Empty(t, s.Slots.Category)
	require.Equal(t, "5000", s.Slots.Amount)
	require.Equal(t, out.Message, s.Messages[1].Content)
}

func TestChat_UnknownPaymentMethodReprompts(t *testing.T) {
	h := newHarness(t, reply("기록할게요.", domain.Slots{Amount: "5000", Category: "식비", PaymentMethod: "신용카드2"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "점심 5000원 신용카드2로"})
	require.NoError(t, err)
	require.True(t, out.NeedsMoreInfo)
	require.Contains(t, out.Message, "신용카드2")
	require.Equal(t, []string{"신용카드", "현금"}, out.Suggestions)
	require.Empty(t, h.ledger.created)
}

func TestChat_MalformedAmountAndDateAreAskedAgain(t *testing.T) {
	h := newHarness(t, reply("기록할게요.", domain.Slots{Amount: "만오천", Date: "2025/13/01", Category: "식비"}))

	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "만오천원 점심"})
	require.NoError(t, err)
	require.True(t, out.NeedsMoreInfo)
	require.Contains(t, out.Message, "금액")
	require.Contains(t, out.Message, "날짜")

	s := h.session(t, out.ConversationID)
	require.Empty(t, s.Slots.Amount)
	require.Empty(t, s.Slots.Date)
	require.Equal(t, "식비", s.Slots.Category)
}

// ---------------------------------------------------------------------------
// Chat: input validation and ownership
// ---------------------------------------------------------------------------

func TestChat_RejectsBeforeExternalCalls(t *testing.T) {
	cases := []struct {
		name   string
		userID int64
		in     ChatInput
		code   ErrorCode
	}{
		{"no user", 0, ChatInput{BookID: 1, Message: "hi"}, ErrorUnauthorized},
		{"blank message", 7, ChatInput{BookID: 1, Message: "   "}, ErrorValidation},
		{"long message", 7, ChatInput{BookID: 1, Message: strings.Repeat("가", 201)}, ErrorValidation},
		{"no book", 7, ChatInput{Message: "hi"}, ErrorValidation},
		{"unknown book", 7, ChatInput{BookID: 99, Message: "hi"}, ErrorNotFound},
		{"foreign book", 7, ChatInput{BookID: 2, Message: "hi"}, ErrorInvalidReference},
		{"unknown conversation", 7, ChatInput{ConversationID: "conv-missing", BookID: 1, Message: "hi"}, ErrorNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, reply("ok", domain.Slots{}))
			_, err := h.svc.Chat(context.Background(), tc.userID, tc.in)
			requireCode(t, err, tc.code)
			require.Zero(t, h.llm.callCount())
		})
	}
}

func TestChat_ConversationOwnership(t *testing.T) {
	h := newHarness(t, reply("금액은요?", domain.Slots{Category: "식비"}))
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "점심"})
	require.NoError(t, err)

	_, err = h.svc.Chat(context.Background(), 8, ChatInput{ConversationID: out.ConversationID, BookID: 2, Message: "15000"})
	requireCode(t, err, ErrorUnauthorized)

	_, err = h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 3, Message: "15000"})
	requireCode(t, err, ErrorInvalidReference)

	require.Equal(t, 1, h.llm.callCount())
	require.Len(t, h.session(t, out.ConversationID).Messages, 2)
}

// ---------------------------------------------------------------------------
// Chat: gateway failures
// ---------------------------------------------------------------------------

func TestChat_GatewayUnavailableLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t,
		reply("카테고리는요?", domain.Slots{Amount: "15000"}),
		llmReply{err: llm.Unavailable(errors.New("503"))},
	)
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	require.NoError(t, err)
	before := h.session(t, out.ConversationID)

	_, err = h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "식비"})
	uerr := requireCode(t, err, ErrorGatewayUnavailable)
	require.True(t, uerr.Retryable())

	after := h.session(t, out.ConversationID)
	require.Equal(t, before, after)
	require.Len(t, after.Messages, 2)
}

func TestChat_GatewayProtocolErrorIsPermanent(t *testing.T) {
	h := newHarness(t, llmReply{err: llm.Protocol(errors.New("no candidates"))})
	_, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	uerr := requireCode(t, err, ErrorGatewayProtocol)
	require.False(t, uerr.Retryable())
}

func TestChat_GatewayFailureDiscardsNewSession(t *testing.T) {
	h := newHarness(t, llmReply{err: llm.Unavailable(errors.New("timeout"))})
	_, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	requireCode(t, err, ErrorGatewayUnavailable)

	left, err := h.store.ListIdle(context.Background(), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestChat_GatewayTimeout(t *testing.T) {
	h := newHarness(t)
	h.llm.block = true
	h.svc.gatewayTimeout = 20 * time.Millisecond

	_, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	requireCode(t, err, ErrorGatewayUnavailable)
}

// ---------------------------------------------------------------------------
// Chat: finalization failures
// ---------------------------------------------------------------------------

func TestChat_WriterValidationErrorRestoresSession(t *testing.T) {
	h := newHarness(t,
		reply("카테고리는요?", domain.Slots{Amount: "15000"}),
		reply("기록했어요.", domain.Slots{Category: "식비"}),
	)
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	require.NoError(t, err)
	before := h.session(t, out.ConversationID)

	h.ledger.createErr = fmt.Errorf("amount too large: %w", domain.ErrValidation)
	_, err = h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "식비"})
	requireCode(t, err, ErrorValidation)

	after := h.session(t, out.ConversationID)
	require.Equal(t, before.Messages, after.Messages)
	require.Equal(t, before.Slots, after.Slots)
	require.Equal(t, domain.StateNeedsClarification, after.State)

	h.ledger.createErr = nil
	final, err := h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: "식비"})
	require.NoError(t, err)
	require.False(t, final.NeedsMoreInfo)
}

func TestChat_NotifierFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, reply("ok", domain.Slots{Amount: "1000", Category: "식비"}))
	h.notifier.err = errors.New("broker down")
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "1000원 식비"})
	require.NoError(t, err)
	require.NotNil(t, out.Transaction)
}

func TestChat_AccountsErrorIsInternal(t *testing.T) {
	h := newHarness(t, reply("ok", domain.Slots{}))
	h.ledger.listErr = errors.New("db locked")
	_, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "hi"})
	requireCode(t, err, ErrorInternal)
	require.Zero(t, h.llm.callCount())
}

// ---------------------------------------------------------------------------
// Chat: concurrency
// ---------------------------------------------------------------------------

func TestChat_ConcurrentTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, reply("카테고리는요?", domain.Slots{Amount: "15000"}))
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	require.NoError(t, err)
	h.llm.delay = 20 * time.Millisecond

	const turns = 4
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Chat(context.Background(), 7, ChatInput{ConversationID: out.ConversationID, BookID: 1, Message: fmt.Sprintf("턴 %d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	s := h.session(t, out.ConversationID)
	require.Len(t, s.Messages, 2+2*turns)
	require.Equal(t, int64(2+turns), s.Version)
}

func TestChat_StaleSaveIsConflict(t *testing.T) {
	h := newHarness(t, reply("카테고리는요?", domain.Slots{Amount: "15000"}))
	out, err := h.svc.Chat(context.Background(), 7, ChatInput{BookID: 1, Message: "15000원"})
	require.NoError(t, err)

	// another process saves between our load and our save
	stale := h.session(t, out.ConversationID)
	_, err = h.store.Save(context.Background(), stale)
	require.NoError(t, err)

	_, err = h.svc.turn(context.Background(), 7, h.ledger.books[1], stale, "식비")
	uerr := requireCode(t, err, ErrorConflict)
	require.True(t, uerr.Retryable())
}
