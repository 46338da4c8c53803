package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Contact is a counterpart derived from item history.
type Contact struct {
	Email         string         `db:"email"`
	Name          sql.NullString `db:"name"`
	MessageCount  int            `db:"message_count"`
	InboundCount  int            `db:"inbound_count"`
	OutboundCount int            `db:"outbound_count"`
	CcCount       int            `db:"cc_count"`
	FirstSeenAt   sql.NullInt64  `db:"first_seen_at"`
	LastContactAt sql.NullInt64  `db:"last_contact_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

// Contacts provides derived-contact persistence.
type Contacts struct {
	db *sqlx.DB
}

// NewContacts returns a contact store backed by db.
func NewContacts(db *sqlx.DB) *Contacts { return &Contacts{db: db} }

// Upsert writes a recomputed contact row.
func (s *Contacts) Upsert(ctx context.Context, c Contact) error {
	if c.Email == "" {
		return fmt.Errorf("contact email is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (email, name, message_count, inbound_count, outbound_count,
		                      cc_count, first_seen_at, last_contact_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = COALESCE(excluded.name, contacts.name),
			message_count = excluded.message_count,
			inbound_count = excluded.inbound_count,
			outbound_count = excluded.outbound_count,
			cc_count = excluded.cc_count,
			first_seen_at = excluded.first_seen_at,
			last_contact_at = excluded.last_contact_at,
			updated_at = excluded.updated_at
	`, c.Email, c.Name, c.MessageCount, c.InboundCount, c.OutboundCount,
		c.CcCount, c.FirstSeenAt, c.LastContactAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert contact %s: %w", c.Email, err)
	}
	return nil
}

// Get returns one contact by email.
func (s *Contacts) Get(ctx context.Context, email string) (Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, `SELECT * FROM contacts WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, fmt.Errorf("contact %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return Contact{}, fmt.Errorf("failed to get contact %s: %w", email, err)
	}
	return c, nil
}

// List returns contacts ordered by most recent interaction.
func (s *Contacts) List(ctx context.Context, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	var contacts []Contact
	err := s.db.SelectContext(ctx, &contacts, `
		SELECT * FROM contacts ORDER BY last_contact_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}
