package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ledger-agent/internal/domain"
)

func newTestInterpreter(t *testing.T) interpreter {
	t.Helper()
	ledger := newFakeLedger()
	accounts, err := ledger.ListAccounts(context.Background(), domain.BookPersonal)
	require.NoError(t, err)
	return interpreter{chart: ledger, book: ledger.books[1], accounts: accounts, today: fixedNow, loc: kst}
}

func TestParseAmount(t *testing.T) {
	ok := map[string]string{
		"15000":    "15000",
		"15,000":   "15000",
		"15,000원":  "15000",
		"₩ 15,000": "15000",
		"12.5":     "12.5",
	}
	for in, want := range ok {
		got, err := parseAmount(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got.String(), in)
	}

	for _, in := range []string{"", "0", "-100", "만오천", "15k"} {
		_, err := parseAmount(in)
		require.Error(t, err, in)
	}
}

func TestRankByDistance(t *testing.T) {
	got := rankByDistance("교통", []string{"식비", "쇼핑", "교통비"})
	require.Equal(t, "교통비", got[0])

	many := rankByDistance("x", []string{"a", "b", "c", "d", "e", "f", "g"})
	require.Len(t, many, maxSuggestions)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, many)
}

func TestInterpret_ReadyDraft(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7,
		domain.Slots{Amount: "15,000원"},
		domain.Slots{Date: "2025-01-09", Category: "5100", PaymentMethod: "신용카드", Memo: "  점심  "},
		nil, "done")
	require.NoError(t, err)

	r, ok := res.(ready)
	require.True(t, ok, "got %T", res)
	require.Equal(t, int64(7), r.draft.UserID)
	require.Equal(t, int64(1), r.draft.BookID)
	require.Equal(t, domain.TransactionExpense, r.draft.Type)
	require.Equal(t, "15000", r.draft.Amount.String())
	require.Equal(t, "2025-01-09", r.draft.Date.Format(dateLayout))
	require.Equal(t, int64(51), r.draft.CategoryID)
	require.Equal(t, int64(14), r.draft.PaymentMethodID)
	require.Equal(t, "점심", r.draft.Memo)

	// slots are normalized to the chart names
	require.Equal(t, "식비", r.slots.Category)
	// an inferred direction is not written back
	require.Empty(t, r.slots.Type)
}

func TestInterpret_NewCategoryReinfersDirection(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7,
		domain.Slots{Type: "EXPENSE", Category: "식비"},
		domain.Slots{Amount: "3000000", Category: "급여"}, nil, "ok")
	require.NoError(t, err)

	r, ok := res.(ready)
	require.True(t, ok, "got %T", res)
	require.Equal(t, domain.TransactionIncome, r.draft.Type)
	require.Equal(t, "급여", r.slots.Category)
	require.Empty(t, r.slots.Type)
}

func TestInterpret_StatedDirectionSurvivesOtherSlots(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7,
		domain.Slots{Type: "EXPENSE", Category: "식비"},
		domain.Slots{Amount: "12000"}, nil, "ok")
	require.NoError(t, err)

	r, ok := res.(ready)
	require.True(t, ok, "got %T", res)
	require.Equal(t, domain.TransactionExpense, r.draft.Type)
	require.Equal(t, "EXPENSE", r.slots.Type)
}

func TestInterpret_TypeMismatchIsRejected(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7, domain.Slots{},
		domain.Slots{Amount: "1000", Category: "급여", Type: "expense"}, nil, "ok")
	require.NoError(t, err)

	n, ok := res.(needsInput)
	require.True(t, ok, "got %T", res)
	require.Empty(t, n.slots.Category)
	require.Equal(t, "EXPENSE", n.slots.Type)
	require.Contains(t, n.message, "급여")
	require.NotContains(t, n.suggestions, "급여")
}

func TestInterpret_UnknownTypeIsDropped(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7, domain.Slots{},
		domain.Slots{Amount: "1000", Category: "급여", Type: "TRANSFER"}, nil, "ok")
	require.NoError(t, err)

	r, ok := res.(ready)
	require.True(t, ok, "got %T", res)
	require.Equal(t, domain.TransactionIncome, r.draft.Type)
}

func TestInterpret_MissingAmountUsesReply(t *testing.T) {
	in := newTestInterpreter(t)

	res, err := in.interpret(context.Background(), 7, domain.Slots{},
		domain.Slots{Category: "식비"}, []string{"a"}, "얼마였나요?")
	require.NoError(t, err)

	n, ok := res.(needsInput)
	require.True(t, ok, "got %T", res)
	require.Equal(t, "얼마였나요?", n.message)
	require.Equal(t, []string{"a"}, n.suggestions)
	require.Equal(t, "식비", n.slots.Category)
}

func TestInterpret_NoPaymentMethodAccount(t *testing.T) {
	in := newTestInterpreter(t)
	var accounts []domain.Account
	for _, a := range in.accounts {
		if a.AccountType != domain.AccountPaymentMethod {
			accounts = append(accounts, a)
		}
	}
	in.accounts = accounts

	_, err := in.interpret(context.Background(), 7, domain.Slots{},
		domain.Slots{Amount: "1000", Category: "식비"}, nil, "ok")
	require.Error(t, err)
}
