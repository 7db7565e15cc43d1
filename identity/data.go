package identity

import (
	"database/sql"
	"errors"
	"fmt"

	db "github.com/nestwire/go-courier/internal/db"
	"github.com/nestwire/go-courier/migration"
)

type recipientIdentity struct {
	RecipientID       []byte `db:"recipient_id"`
	IdentityKey       []byte `db:"identity_key"`
	FirstKnownKey     bool   `db:"first_known_key"`
	CreatedAtMs       uint64 `db:"created_at_ms"`
	VerificationState uint8  `db:"verification_state"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_identity", []*migration.Migration{
		{
			Name: "Create recipient identity table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity_recipients (
						recipient_id BLOB PRIMARY KEY,
						identity_key BLOB NOT NULL,
						first_known_key INTEGER NOT NULL,
						created_at_ms INT8 NOT NULL,
						verification_state INTEGER NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) recipientIdentity(recipientID []byte) (*recipientIdentity, error) {
	ri := recipientIdentity{}
	if err := db.Tx.Get(&ri, "SELECT * FROM _identity_recipients WHERE recipient_id = $1", recipientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: error getting recipient identity: %w", err)
	}
	return &ri, nil
}

func (db *database) upsertRecipientIdentity(ri *recipientIdentity) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _identity_recipients (recipient_id, identity_key, first_known_key, created_at_ms, verification_state)
		VALUES (:recipient_id, :identity_key, :first_known_key, :created_at_ms, :verification_state)
		ON CONFLICT(recipient_id) DO UPDATE SET
			identity_key = :identity_key,
			first_known_key = :first_known_key,
			created_at_ms = :created_at_ms,
			verification_state = :verification_state`, ri); err != nil {
		return fmt.Errorf("identity: error upserting recipient identity: %w", err)
	}
	return nil
}

func (db *database) updateVerificationState(recipientID []byte, state uint8) error {
	if _, err := db.Tx.Exec("UPDATE _identity_recipients SET verification_state = $1 WHERE recipient_id = $2", state, recipientID); err != nil {
		return fmt.Errorf("identity: error updating verification state: %w", err)
	}
	return nil
}

func (db *database) deleteRecipientIdentity(recipientID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _identity_recipients WHERE recipient_id = $1", recipientID); err != nil {
		return fmt.Errorf("identity: error deleting recipient identity: %w", err)
	}
	return nil
}
