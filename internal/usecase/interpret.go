package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"ledger-agent/internal/domain"
)

const (
	defaultMemo    = "AI 자동 생성"
	maxMemoLength  = 500
	maxSuggestions = 5
)

// outcome is the result of interpreting the slots after a turn. It is either
// needsInput or ready; fields are only trusted once ready is produced.
type outcome interface {
	isOutcome()
}

type needsInput struct {
	slots       domain.Slots
	message     string
	suggestions []string
}

type ready struct {
	slots domain.Slots
	draft domain.TransactionDraft
}

func (needsInput) isOutcome() {}
func (ready) isOutcome()      {}

type interpreter struct {
	chart    ChartOfAccounts
	book     domain.Book
	accounts []domain.Account
	today    time.Time
	loc      *time.Location
}

// rejection is a slot value the service refused, with the follow-up to ask.
type rejection struct {
	message     string
	suggestions []string
}

// interpret merges the extraction over the previous slots and validates the
// result. Unusable values are cleared so they are asked again. Only
// infrastructure failures are returned as errors.
func (in interpreter) interpret(ctx context.Context, userID int64, prev, extracted domain.Slots, modelSuggestions []string, reply string) (outcome, error) {
	slots := prev.Merge(extracted)
	var rejected []rejection

	// A new category without a direction drops the old direction so it is
	// inferred again from the category.
	if extracted.Category != "" && strings.TrimSpace(extracted.Type) == "" && extracted.Category != prev.Category {
		slots.Type = ""
	}

	txType := domain.TransactionType(strings.ToUpper(strings.TrimSpace(slots.Type)))
	if !txType.Valid() {
		txType = ""
	}
	slots.Type = string(txType)

	var amount decimal.Decimal
	if slots.Amount != "" {
		a, err := parseAmount(slots.Amount)
		if err != nil {
			rejected = append(rejected, rejection{message: "금액을 이해하지 못했어요. 얼마였나요?"})
			slots.Amount = ""
		} else {
			amount = a
			slots.Amount = a.String()
		}
	}

	date := in.today
	if slots.Date != "" {
		d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(slots.Date), in.loc)
		if err != nil {
			rejected = append(rejected, rejection{message: "날짜를 이해하지 못했어요. 언제 거래였나요? (예: " + in.today.Format(dateLayout) + ")"})
			slots.Date = ""
		} else {
			date = d
		}
	}

	var category domain.Account
	if slots.Category != "" {
		acc, resolvedType, err := in.resolveCategory(ctx, slots.Category, txType)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rejected = append(rejected, rejection{
				message:     fmt.Sprintf("'%s'은(는) 이 장부에 없는 카테고리예요. 어떤 카테고리로 기록할까요?", slots.Category),
				suggestions: rankByDistance(slots.Category, in.categoryNames(txType)),
			})
			slots.Category = ""
		case err != nil:
			return nil, err
		default:
			category = acc
			txType = resolvedType
			slots.Category = acc.Name
		}
	}

	var payment domain.Account
	if slots.PaymentMethod != "" {
		acc, err := in.chart.Lookup(ctx, in.book.ID, slots.PaymentMethod, domain.AccountPaymentMethod)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rejected = append(rejected, rejection{
				message:     fmt.Sprintf("'%s'은(는) 등록된 결제수단이 아니에요. 어떤 결제수단을 사용하셨나요?", slots.PaymentMethod),
				suggestions: rankByDistance(slots.PaymentMethod, in.names(domain.AccountPaymentMethod)),
			})
			slots.PaymentMethod = ""
		case err != nil:
			return nil, fmt.Errorf("usecase: lookup payment method: %w", err)
		default:
			payment = acc
			slots.PaymentMethod = acc.Name
		}
	}

	if utf8.RuneCountInString(slots.Memo) > maxMemoLength {
		slots.Memo = string([]rune(slots.Memo)[:maxMemoLength])
	}

	if len(rejected) > 0 {
		return needsInput{slots: slots, message: joinMessages(rejected), suggestions: firstSuggestions(rejected, modelSuggestions)}, nil
	}

	if slots.Amount == "" || slots.Category == "" {
		suggestions := modelSuggestions
		if slots.Category == "" && len(suggestions) == 0 {
			suggestions = in.categoryNames(txType)
		}
		return needsInput{slots: slots, message: reply, suggestions: capSuggestions(suggestions)}, nil
	}

	if payment.ID == 0 {
		p, ok := in.defaultPaymentMethod()
		if !ok {
			return nil, fmt.Errorf("usecase: book %d has no payment method account", in.book.ID)
		}
		payment = p
	}

	memo := strings.TrimSpace(slots.Memo)
	if memo == "" {
		memo = defaultMemo
	}

	return ready{
		slots: slots,
		draft: domain.TransactionDraft{
			UserID:          userID,
			BookID:          in.book.ID,
			Date:            date,
			Type:            txType,
			Amount:          amount,
			CategoryID:      category.ID,
			PaymentMethodID: payment.ID,
			Memo:            memo,
		},
	}, nil
}

// resolveCategory looks the category up for the given direction, or infers
// the direction by trying expense first and then income.
func (in interpreter) resolveCategory(ctx context.Context, name string, txType domain.TransactionType) (domain.Account, domain.TransactionType, error) {
	candidates := []domain.TransactionType{txType}
	if txType == "" {
		candidates = []domain.TransactionType{domain.TransactionExpense, domain.TransactionIncome}
	}
	for _, t := range candidates {
		acc, err := in.chart.Lookup(ctx, in.book.ID, name, t.CategoryType())
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Account{}, "", fmt.Errorf("usecase: lookup category: %w", err)
		}
		return acc, t, nil
	}
	return domain.Account{}, "", fmt.Errorf("usecase: category %q: %w", name, domain.ErrNotFound)
}

func (in interpreter) names(typ domain.AccountType) []string {
	var out []string
	for _, a := range in.accounts {
		if a.AccountType == typ && a.IsActive {
			out = append(out, a.Name)
		}
	}
	return out
}

// categoryNames lists the categories for a direction, or all categories with
// expenses first when the direction is unknown.
func (in interpreter) categoryNames(txType domain.TransactionType) []string {
	if txType != "" {
		return in.names(txType.CategoryType())
	}
	return append(in.names(domain.AccountExpense), in.names(domain.AccountRevenue)...)
}

func (in interpreter) defaultPaymentMethod() (domain.Account, bool) {
	var (
		best  domain.Account
		found bool
	)
	for _, a := range in.accounts {
		if a.AccountType != domain.AccountPaymentMethod || !a.IsActive {
			continue
		}
		if !found || a.Code < best.Code {
			best, found = a, true
		}
	}
	return best, found
}

var amountReplacer = strings.NewReplacer(",", "", "원", "", "₩", "", " ", "")

// parseAmount accepts plain decimals with optional thousands separators and a
// won sign or suffix.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(amountReplacer.Replace(strings.TrimSpace(s)))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.GreaterThan(decimal.Zero) {
		return decimal.Decimal{}, errors.New("amount must be positive")
	}
	return d, nil
}

// rankByDistance orders candidates by edit distance to the rejected value.
func rankByDistance(value string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, scored{name: c, dist: levenshtein.ComputeDistance(value, c)})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].dist < scores[j].dist
	})
	out := make([]string, 0, len(scores))
	for _, s := range scores {
		out = append(out, s.name)
	}
	return capSuggestions(out)
}

func joinMessages(rs []rejection) string {
	msgs := make([]string, 0, len(rs))
	for _, r := range rs {
		msgs = append(msgs, r.message)
	}
	return strings.Join(msgs, " ")
}

func firstSuggestions(rs []rejection, fallback []string) []string {
	for _, r := range rs {
		if len(r.suggestions) > 0 {
			return r.suggestions
		}
	}
	return capSuggestions(fallback)
}

func capSuggestions(s []string) []string {
	if len(s) > maxSuggestions {
		return s[:maxSuggestions]
	}
	return s
}
