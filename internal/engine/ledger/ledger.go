package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"eqagent/internal/platform/models"
)

var (
	ErrNotFound = errors.New("item not found")
	// ErrFinalState rejects any transition away from DELIVERED.
	ErrFinalState = errors.New("item already delivered")
)

// Store is the durable ledger of every received item. It is the single
// source of truth for "have I already processed this id": dedup is the
// primary-key constraint on the insert itself, so two near-simultaneous
// deliveries of the same id cannot both win.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts the item, or does nothing if the id is already known.
// Returns whether a row was inserted. The write is committed before
// Put returns; nothing downstream (ack, decrypt, forward) runs on an
// item that would not survive a crash.
func (s *Store) Put(item *models.EncryptedItem) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO items (id, route_id, content, aes, iv, tag, state, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RouteID, item.Content, item.AES, item.IV, item.Tag,
		models.StateEncrypted, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("persist item %s: %w", item.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Get(id string) (*models.EncryptedItem, error) {
	row := s.db.QueryRow(`
		SELECT id, route_id, content, aes, iv, tag, state, last_error, received_at
		FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// UpdateState moves an item to newState. The DELIVERED guard sits in
// the UPDATE's WHERE clause, so the final-state invariant holds even
// against concurrent writers: once a row reads DELIVERED no statement
// can move it again.
func (s *Store) UpdateState(id string, newState models.ItemState) error {
	res, err := s.db.Exec(
		`UPDATE items SET state = ? WHERE id = ? AND state <> ?`,
		newState, id, models.StateDelivered,
	)
	if err != nil {
		return fmt.Errorf("update state of %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current models.ItemState
	err = s.db.QueryRow(`SELECT state FROM items WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == models.StateDelivered {
		return ErrFinalState
	}
	// Same-state update; nothing to do.
	return nil
}

// SetLastError records why the most recent attempt failed, for the
// pending-items view. Delivered items keep a clean slate.
func (s *Store) SetLastError(id, message string) error {
	_, err := s.db.Exec(
		`UPDATE items SET last_error = ? WHERE id = ? AND state <> ?`,
		message, id, models.StateDelivered,
	)
	return err
}

// ListByState returns items in any of the given states, oldest first.
// The stable order makes restart reconciliation and the pending view
// deterministic.
func (s *Store) ListByState(states ...models.ItemState) ([]*models.EncryptedItem, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := `SELECT id, route_id, content, aes, iv, tag, state, last_error, received_at
		FROM items WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `) ORDER BY received_at ASC, id ASC`

	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.EncryptedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes an item unconditionally. Deletion is always an
// explicit user action; the ledger never prunes itself.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanItem(s interface {
	Scan(dest ...interface{}) error
}) (*models.EncryptedItem, error) {
	var item models.EncryptedItem
	var lastError sql.NullString

	err := s.Scan(
		&item.ID,
		&item.RouteID,
		&item.Content,
		&item.AES,
		&item.IV,
		&item.Tag,
		&item.State,
		&lastError,
		&item.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		item.LastError = lastError.String
	}
	return &item, nil
}
