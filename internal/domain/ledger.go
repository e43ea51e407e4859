package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookType string

const (
	BookPersonal BookType = "PERSONAL"
	BookBusiness BookType = "BUSINESS"
)

type AccountType string

const (
	AccountAsset         AccountType = "ASSET"
	AccountLiability     AccountType = "LIABILITY"
	AccountEquity        AccountType = "EQUITY"
	AccountRevenue       AccountType = "REVENUE"
	AccountExpense       AccountType = "EXPENSE"
	AccountPaymentMethod AccountType = "PAYMENT_METHOD"
)

// TransactionType is the direction of a transaction.
type TransactionType string

const (
	TransactionIncome  TransactionType = "INCOME"
	TransactionExpense TransactionType = "EXPENSE"
)

// CategoryType returns the account type a category must have for t.
func (t TransactionType) CategoryType() AccountType {
	if t == TransactionIncome {
		return AccountRevenue
	}
	return AccountExpense
}

// Valid reports whether t is a known direction.
func (t TransactionType) Valid() bool {
	return t == TransactionIncome || t == TransactionExpense
}

type Book struct {
	ID       int64
	UserID   int64
	Name     string
	BookType BookType
	IsActive bool
}

// Account is a chart-of-accounts entry scoped to a book type.
type Account struct {
	ID          int64
	Code        string
	Name        string
	AccountType AccountType
	BookType    BookType
	IsActive    bool
}

// TransactionDraft is a fully resolved transaction ready to be written.
type TransactionDraft struct {
	UserID          int64
	BookID          int64
	Date            time.Time
	Type            TransactionType
	Amount          decimal.Decimal
	CategoryID      int64
	PaymentMethodID int64
	Memo            string
}

// TransactionSummary is the persisted transaction returned to the caller.
type TransactionSummary struct {
	ID                int64           `json:"id"`
	BookID            int64           `json:"bookId"`
	Date              string          `json:"date"`
	Type              TransactionType `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	CategoryID        int64           `json:"categoryId"`
	CategoryName      string          `json:"categoryName"`
	PaymentMethodID   int64           `json:"paymentMethodId"`
	PaymentMethodName string          `json:"paymentMethodName"`
	Memo              string          `json:"memo"`
	CreatedAt         time.Time       `json:"createdAt"`
}
