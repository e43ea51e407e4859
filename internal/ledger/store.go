// Package ledger is the SQLite-backed book, chart-of-accounts and transaction
// store the conversation flow writes finalized transactions to.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"ledger-agent/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	dateLayout    = "2006-01-02"
	MaxMemoLength = 500
)

// Store implements the ledger collaborators on a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file if needed, applies migrations and returns a
// ready Store.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("ledger: db path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create db directory: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateBook registers a book for a user.
func (s *Store) CreateBook(ctx context.Context, userID int64, name string, bookType domain.BookType) (domain.Book, error) {
	name = strings.TrimSpace(name)
	if userID <= 0 || name == "" {
		return domain.Book{}, fmt.Errorf("ledger: CreateBook: user and name are required: %w", domain.ErrValidation)
	}
	if bookType != domain.BookPersonal && bookType != domain.BookBusiness {
		return domain.Book{}, fmt.Errorf("ledger: CreateBook: unknown book type %q: %w", bookType, domain.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO books (user_id, name, book_type, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		userID, name, string(bookType), s.now().Format(time.RFC3339Nano))
	if err != nil {
		return domain.Book{}, fmt.Errorf("ledger: CreateBook: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Book{}, fmt.Errorf("ledger: CreateBook: last insert id: %w", err)
	}
	return domain.Book{ID: id, UserID: userID, Name: name, BookType: bookType, IsActive: true}, nil
}

// EnsureBook returns the user's active book with that name, creating it when
// there is none.
func (s *Store) EnsureBook(ctx context.Context, userID int64, name string, bookType domain.BookType) (domain.Book, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM books WHERE user_id = ? AND name = ? AND book_type = ? AND is_active = 1 ORDER BY id LIMIT 1`,
		userID, strings.TrimSpace(name), string(bookType)).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.CreateBook(ctx, userID, name, bookType)
	case err != nil:
		return domain.Book{}, fmt.Errorf("ledger: EnsureBook: %w", err)
	}
	return s.GetBook(ctx, id)
}

// GetBook returns an active book or an error wrapping domain.ErrNotFound.
func (s *Store) GetBook(ctx context.Context, bookID int64) (domain.Book, error) {
	return getBook(ctx, s.db, bookID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBook(ctx context.Context, q queryer, bookID int64) (domain.Book, error) {
	var (
		b        domain.Book
		bookType string
		active   int
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, name, book_type, is_active FROM books WHERE id = ?`, bookID,
	).Scan(&b.ID, &b.UserID, &b.Name, &bookType, &active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && active == 0) {
		return domain.Book{}, fmt.Errorf("ledger: book %d: %w", bookID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("ledger: GetBook: %w", err)
	}
	b.BookType = domain.BookType(bookType)
	b.IsActive = true
	return b, nil
}

// CheckBookOwner fails with domain.ErrNotFound for an unknown book and
// domain.ErrInvalidReference when the book belongs to someone else.
func (s *Store) CheckBookOwner(ctx context.Context, userID, bookID int64) error {
	b, err := s.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if b.UserID != userID {
		return fmt.Errorf("ledger: book %d is not owned by user %d: %w", bookID, userID, domain.ErrInvalidReference)
	}
	return nil
}

// SeedDefaultAccounts inserts the default personal and business charts.
// Existing codes are left untouched.
func (s *Store) SeedDefaultAccounts(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: SeedDefaultAccounts: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO accounts (code, name, account_type, book_type, is_active) VALUES (?, ?, ?, ?, 1)`)
	if err != nil {
		return fmt.Errorf("ledger: SeedDefaultAccounts: prepare: %w", err)
	}
	defer stmt.Close()

	for bookType, chart := range defaultCharts {
		for _, a := range chart {
			if _, err := stmt.ExecContext(ctx, a.code, a.name, string(a.accountType), string(bookType)); err != nil {
				return fmt.Errorf("ledger: SeedDefaultAccounts: insert %s/%s: %w", bookType, a.code, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: SeedDefaultAccounts: commit: %w", err)
	}
	return nil
}

const accountColumns = `id, code, name, account_type, book_type, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (domain.Account, error) {
	var (
		a                     domain.Account
		accountType, bookType string
		active                int
	)
	if err := r.Scan(&a.ID, &a.Code, &a.Name, &accountType, &bookType, &active); err != nil {
		return domain.Account{}, err
	}
	a.AccountType = domain.AccountType(accountType)
	a.BookType = domain.BookType(bookType)
	a.IsActive = active != 0
	return a, nil
}

// ListAccounts returns the active accounts for a book type ordered by code.
func (s *Store) ListAccounts(ctx context.Context, bookType domain.BookType) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE book_type = ? AND is_active = 1 ORDER BY code`,
		string(bookType))
	if err != nil {
		return nil, fmt.Errorf("ledger: ListAccounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: ListAccounts scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: ListAccounts: %w", err)
	}
	return out, nil
}

// Lookup finds an active account of the given type in the book's chart by
// code or case-insensitive name.
func (s *Store) Lookup(ctx context.Context, bookID int64, nameOrCode string, accountType domain.AccountType) (domain.Account, error) {
	nameOrCode = strings.TrimSpace(nameOrCode)
	if nameOrCode == "" {
		return domain.Account{}, fmt.Errorf("ledger: Lookup: empty name: %w", domain.ErrNotFound)
	}
	b, err := s.GetBook(ctx, bookID)
	if err != nil {
		return domain.Account{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE book_type = ? AND account_type = ? AND is_active = 1 AND (code = ? OR lower(name) = lower(?))
		 ORDER BY code LIMIT 1`,
		string(b.BookType), string(accountType), nameOrCode, nameOrCode)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("ledger: account %q (%s) in book %d: %w", nameOrCode, accountType, bookID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: Lookup: %w", err)
	}
	return a, nil
}

func getAccount(ctx context.Context, q queryer, id int64) (domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("ledger: account %d: %w", id, domain.ErrNotFound)
	}
	return a, err
}

// validateDraft checks the fields that do not need the database.
func validateDraft(d domain.TransactionDraft) error {
	switch {
	case !d.Type.Valid():
		return fmt.Errorf("unknown transaction type %q", d.Type)
	case !d.Amount.GreaterThan(decimal.Zero):
		return errors.New("amount must be positive")
	case d.Date.IsZero():
		return errors.New("date is required")
	case utf8.RuneCountInString(d.Memo) > MaxMemoLength:
		return fmt.Errorf("memo exceeds %d characters", MaxMemoLength)
	}
	return nil
}

// CreateTransaction validates and records a transaction. Bad field values and
// accounts outside the book's chart fail with domain.ErrValidation; a book the
// user does not own fails with domain.ErrInvalidReference.
func (s *Store) CreateTransaction(ctx context.Context, d domain.TransactionDraft) (domain.TransactionSummary, error) {
	if err := validateDraft(d); err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: %v: %w", err, domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	book, err := getBook(ctx, tx, d.BookID)
	if err != nil {
		return domain.TransactionSummary{}, err
	}
	if book.UserID != d.UserID {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: book %d: %w", d.BookID, domain.ErrInvalidReference)
	}

	category, err := s.chartAccount(ctx, tx, d.CategoryID, book.BookType, d.Type.CategoryType())
	if err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: category: %w", err)
	}
	payment, err := s.chartAccount(ctx, tx, d.PaymentMethodID, book.BookType, domain.AccountPaymentMethod)
	if err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: payment method: %w", err)
	}

	createdAt := s.now()
	date := d.Date.Format(dateLayout)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (book_id, user_id, date, type, amount, category_id, payment_method_id, memo, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.BookID, d.UserID, date, string(d.Type), d.Amount.String(), category.ID, payment.ID, d.Memo,
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TransactionSummary{}, fmt.Errorf("ledger: CreateTransaction: commit: %w", err)
	}

	return domain.TransactionSummary{
		ID:                id,
		BookID:            d.BookID,
		Date:              date,
		Type:              d.Type,
		Amount:            d.Amount,
		CategoryID:        category.ID,
		CategoryName:      category.Name,
		PaymentMethodID:   payment.ID,
		PaymentMethodName: payment.Name,
		Memo:              d.Memo,
		CreatedAt:         createdAt,
	}, nil
}

func (s *Store) chartAccount(ctx context.Context, q queryer, id int64, bookType domain.BookType, want domain.AccountType) (domain.Account, error) {
	a, err := getAccount(ctx, q, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("%v: %w", err, domain.ErrValidation)
	}
	if err != nil {
		return domain.Account{}, err
	}
	if !a.IsActive || a.BookType != bookType || a.AccountType != want {
		return domain.Account{}, fmt.Errorf("account %d is not an active %s account of a %s book: %w", id, want, bookType, domain.ErrValidation)
	}
	return a, nil
}
