package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
)

const dateLayout = "2006-01-02"

type promptContext struct {
	book     domain.Book
	accounts []domain.Account
	today    time.Time
}

// buildRequest assembles the model request for one turn. It reads the session
// but never modifies it.
func buildRequest(pc promptContext, session domain.ConversationSession, message string) llm.Request {
	msgs := make([]domain.ChatMessage, 0, len(session.Messages)+1)
	msgs = append(msgs, session.Messages...)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	return llm.Request{
		System:   buildSystemPrompt(pc, session.Slots),
		Messages: msgs,
	}
}

func buildSystemPrompt(pc promptContext, slots domain.Slots) string {
	return strings.Join([]string{
		"Role:",
		"You help the user record one transaction in their " + strings.ToLower(string(pc.book.BookType)) + " account book.",
		"",
		"Task:",
		"Collect the transaction fields from the conversation. Ask a short follow-up question when a required field is missing.",
		"",
		"Fields:",
		fieldRules(pc.today),
		"",
		"Chart of Accounts:",
		"Income categories: " + enumerate(pc.accounts, domain.AccountRevenue),
		"Expense categories: " + enumerate(pc.accounts, domain.AccountExpense),
		"Payment methods: " + enumerate(pc.accounts, domain.AccountPaymentMethod),
		"",
		"Collected so far:",
		collectedSlots(slots),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func fieldRules(today time.Time) string {
	return strings.Join([]string{
		"1) amount (required): a positive number without currency symbols or separators.",
		"2) category (required): exactly one name from the chart of accounts below.",
		"3) type: INCOME for income categories, EXPENSE for expense categories.",
		"4) date: YYYY-MM-DD. Today is " + today.Format(dateLayout) + "; resolve relative dates against it and use today when none is given.",
		"5) paymentMethod (optional): exactly one payment method name from the list below.",
		"6) memo (optional): a short description, at most 500 characters.",
		"7) Never invent categories or payment methods that are not listed.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys reply (string), transaction (object with keys type, amount, date, " +
		"category, paymentMethod, memo; use null for unknown values) and suggestions (array of strings). " +
		"reply is the user-facing message in the user's language. " +
		"When the category is missing or unclear, put up to five likely category names from the chart in suggestions."
}

// enumerate renders the active accounts of one type as code:name pairs.
func enumerate(accounts []domain.Account, typ domain.AccountType) string {
	parts := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.AccountType == typ && a.IsActive {
			parts = append(parts, a.Code+":"+a.Name)
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}

func collectedSlots(slots domain.Slots) string {
	if slots == (domain.Slots{}) {
		return "{}"
	}
	b, err := json.Marshal(slots)
	if err != nil {
		return "{}"
	}
	return string(b)
}
