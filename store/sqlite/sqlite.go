/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists users, credit cards and each card's balance timeline. Implements
  ledger.TimelineStore so the engine can run directly on it.

INTERFACES IMPLEMENTED:
  ledger.TimelineStore: LoadTimeline, SaveTimelines, ListCardNumbers

KEY TABLES:
  users:           card holders
  credit_cards:    one row per card, number is unique
  balance_history: sparse timeline rows (card_id, day, balance)

ATOMICITY:
  SaveTimelines rewrites the rows of every card in one SQL transaction, so a
  batch is either fully visible or not at all. CreateCard writes the card and
  its seed entry in the same transaction.

ENCODING:
  day     TEXT "YYYY-MM-DD" (lexical order = chronological order)
  balance TEXT decimal string, exact

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/cards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.Options{})

MIGRATION:
  Versioned SQL files under migrations/ are embedded and applied with
  golang-migrate on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/card-ledger/ledger"
)

// Store implements ledger.TimelineStore and the user/card CRUD on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// USERS
// =============================================================================

// User represents a card holder.
type User struct {
	ID        int64
	Name      string
	Email     string
	CreatedAt time.Time
}

// CreateUser inserts a user and returns its ID.
func (s *Store) CreateUser(ctx context.Context, name, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (name, email, created_at) VALUES (?, ?, ?)",
		name, email, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ledger.ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, email, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser deletes a user together with their cards and timelines.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, ledger.ErrUserNotFound)
	}
	return nil
}

// =============================================================================
// CREDIT CARDS
// =============================================================================

// Card represents a credit card record.
type Card struct {
	ID           int64
	UserID       int64
	IssuanceBank string
	Number       ledger.CardNumber
	CreatedAt    time.Time
}

// CreateCard inserts a card and its seed timeline atomically.
// Returns ErrUserNotFound if the owner does not exist and ErrDuplicateCard
// if the number is taken.
func (s *Store) CreateCard(ctx context.Context, card Card, seed *ledger.Timeline) (int64, error) {
	if err := seed.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", card.UserID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %d: %w", card.UserID, ledger.ErrUserNotFound)
	}
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO credit_cards (user_id, issuance_bank, number, created_at) VALUES (?, ?, ?, ?)",
		card.UserID, card.IssuanceBank, string(card.Number), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("card %q: %w", card.Number, ledger.ErrDuplicateCard)
		}
		return 0, fmt.Errorf("insert card: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := insertEntries(ctx, tx, id, seed.Entries()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetCardByNumber looks up a card by its number.
func (s *Store) GetCardByNumber(ctx context.Context, number ledger.CardNumber) (*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Card
	var num, createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, issuance_bank, number, created_at FROM credit_cards WHERE number = ?",
		string(number),
	).Scan(&c.ID, &c.UserID, &c.IssuanceBank, &num, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.CardNotFoundError{Card: number}
	}
	if err != nil {
		return nil, err
	}
	c.Number = ledger.CardNumber(num)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

// ListCardsByUser returns a user's cards ordered by ID. Unknown users have none.
func (s *Store) ListCardsByUser(ctx context.Context, userID int64) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, issuance_bank, number, created_at FROM credit_cards WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		var c Card
		var num, createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.IssuanceBank, &num, &createdAt); err != nil {
			return nil, err
		}
		c.Number = ledger.CardNumber(num)
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// =============================================================================
// TIMELINES (ledger.TimelineStore)
// =============================================================================

// ListCardNumbers returns every card number, sorted.
func (s *Store) ListCardNumbers(ctx context.Context) ([]ledger.CardNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT number FROM credit_cards ORDER BY number")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []ledger.CardNumber
	for rows.Next() {
		var num string
		if err := rows.Scan(&num); err != nil {
			return nil, err
		}
		cards = append(cards, ledger.CardNumber(num))
	}
	return cards, rows.Err()
}

// LoadTimeline reads a card's timeline, most recent entry first.
func (s *Store) LoadTimeline(ctx context.Context, card ledger.CardNumber) (*ledger.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cardID int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM credit_cards WHERE number = ?", string(card)).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.CardNotFoundError{Card: card}
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT day, balance FROM balance_history WHERE card_id = ? ORDER BY day DESC",
		cardID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("card %q: %w", card, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tl, err := ledger.FromEntries(entries)
	if err != nil {
		var iv *ledger.InvariantViolationError
		if errors.As(err, &iv) {
			iv.Card = card
		}
		return nil, err
	}
	return tl, nil
}

// SaveTimelines replaces the rows of every given card in one transaction.
func (s *Store) SaveTimelines(ctx context.Context, timelines map[ledger.CardNumber]*ledger.Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for card, tl := range timelines {
		if err := tl.Validate(); err != nil {
			return err
		}

		var cardID int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM credit_cards WHERE number = ?", string(card)).Scan(&cardID)
		if errors.Is(err, sql.ErrNoRows) {
			return &ledger.CardNotFoundError{Card: card}
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM balance_history WHERE card_id = ?", cardID); err != nil {
			return fmt.Errorf("clear history of %q: %w", card, err)
		}
		if err := insertEntries(ctx, tx, cardID, tl.Entries()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func insertEntries(ctx context.Context, tx *sql.Tx, cardID int64, entries []ledger.Entry) error {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO balance_history (card_id, day, balance) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, cardID, e.Day.String(), e.Balance.String()); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.Day, err)
		}
	}
	return nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var dayStr, balanceStr string
	if err := rows.Scan(&dayStr, &balanceStr); err != nil {
		return ledger.Entry{}, err
	}
	d, err := ledger.ParseDay(dayStr)
	if err != nil {
		return ledger.Entry{}, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("invalid balance %q on %s: %w", balanceStr, dayStr, err)
	}
	return ledger.Entry{Day: d, Balance: balance}, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
