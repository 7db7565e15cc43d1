package sendlog

import (
	"database/sql"
	"errors"
	"fmt"

	db "github.com/nestwire/go-courier/internal/db"
	"github.com/nestwire/go-courier/migration"
)

type payload struct {
	ID           int64  `db:"id"`
	Plaintext    []byte `db:"plaintext"`
	ContentHint  uint8  `db:"content_hint"`
	SentAtMs     uint64 `db:"sent_at_ms"`
	ThreadID     []byte `db:"thread_id"`
	SendComplete bool   `db:"send_complete"`
}

type pendingRecipient struct {
	PayloadID   int64  `db:"payload_id"`
	RecipientID []byte `db:"recipient_id"`
	DeviceID    uint32 `db:"device_id"`
}

type interactionLink struct {
	PayloadID     int64  `db:"payload_id"`
	InteractionID []byte `db:"interaction_id"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_sendlog", []*migration.Migration{
		{
			Name: "Create send log tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _sendlog_payloads (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						plaintext BLOB NOT NULL,
						content_hint INTEGER NOT NULL,
						sent_at_ms INT8 NOT NULL,
						thread_id BLOB NOT NULL,
						send_complete INTEGER NOT NULL DEFAULT 0
					);
					CREATE UNIQUE INDEX sendlog_payloads_thread_sent_idx on _sendlog_payloads (thread_id, sent_at_ms);
					CREATE INDEX sendlog_payloads_sent_at_idx on _sendlog_payloads (sent_at_ms);

					CREATE TABLE _sendlog_recipients (
						payload_id INT8 NOT NULL,
						recipient_id BLOB NOT NULL,
						device_id INT8 NOT NULL,
						PRIMARY KEY (payload_id, recipient_id, device_id),
						FOREIGN KEY(payload_id) REFERENCES _sendlog_payloads(id) ON DELETE CASCADE
					);

					CREATE TABLE _sendlog_interactions (
						payload_id INT8 NOT NULL,
						interaction_id BLOB NOT NULL,
						PRIMARY KEY (payload_id, interaction_id),
						FOREIGN KEY(payload_id) REFERENCES _sendlog_payloads(id) ON DELETE CASCADE
					);
					CREATE INDEX sendlog_interactions_interaction_idx on _sendlog_interactions (interaction_id);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) payloadByThreadAndTimestamp(threadID []byte, sentAtMs uint64) (*payload, error) {
	p := payload{}
	if err := db.Tx.Get(&p, "SELECT * FROM _sendlog_payloads WHERE thread_id = $1 AND sent_at_ms = $2", threadID, sentAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sendlog: error getting payload: %w", err)
	}
	return &p, nil
}

func (db *database) payloadForDevice(recipientID []byte, deviceID uint32, sentAtMs uint64) (*payload, error) {
	p := payload{}
	if err := db.Tx.Get(&p, `
		SELECT p.* FROM _sendlog_payloads p
		JOIN _sendlog_recipients r ON r.payload_id = p.id
		WHERE p.sent_at_ms = $1 AND r.recipient_id = $2 AND r.device_id = $3`, sentAtMs, recipientID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sendlog: error getting payload for device: %w", err)
	}
	return &p, nil
}

func (db *database) insertPayload(p *payload) (int64, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _sendlog_payloads (plaintext, content_hint, sent_at_ms, thread_id, send_complete) VALUES (:plaintext, :content_hint, :sent_at_ms, :thread_id, :send_complete)", p)
	if err != nil {
		return 0, fmt.Errorf("sendlog: error inserting payload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sendlog: error getting payload id: %w", err)
	}
	return id, nil
}

func (db *database) reopenPayload(id int64) error {
	if _, err := db.Tx.Exec("UPDATE _sendlog_payloads SET send_complete = 0 WHERE id = $1", id); err != nil {
		return fmt.Errorf("sendlog: error reopening payload: %w", err)
	}
	return nil
}

func (db *database) markComplete(id int64) error {
	if _, err := db.Tx.Exec("UPDATE _sendlog_payloads SET send_complete = 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("sendlog: error marking payload complete: %w", err)
	}
	return nil
}

func (db *database) insertInteractionLink(l *interactionLink) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sendlog_interactions (payload_id, interaction_id) VALUES (:payload_id, :interaction_id)", l); err != nil {
		return fmt.Errorf("sendlog: error inserting interaction link: %w", err)
	}
	return nil
}

func (db *database) insertPendingRecipient(r *pendingRecipient) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sendlog_recipients (payload_id, recipient_id, device_id) VALUES (:payload_id, :recipient_id, :device_id)", r); err != nil {
		return err
	}
	return nil
}

func (db *database) deletePendingRecipient(payloadID int64, recipientID []byte, deviceID uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _sendlog_recipients WHERE payload_id = $1 AND recipient_id = $2 AND device_id = $3", payloadID, recipientID, deviceID); err != nil {
		return fmt.Errorf("sendlog: error deleting pending recipient: %w", err)
	}
	return nil
}

func (db *database) pendingRecipients(payloadID int64) ([]*pendingRecipient, error) {
	var rs []*pendingRecipient
	if err := db.Tx.Select(&rs, "SELECT * FROM _sendlog_recipients WHERE payload_id = $1 ORDER BY recipient_id, device_id", payloadID); err != nil {
		return nil, fmt.Errorf("sendlog: error getting pending recipients: %w", err)
	}
	return rs, nil
}

// collectGarbage deletes the payload iff it is complete and no pending
// recipient still references it.
func (db *database) collectGarbage(payloadID int64) error {
	if _, err := db.Tx.Exec(`
		DELETE FROM _sendlog_payloads
		WHERE id = $1 AND send_complete = 1
		AND NOT EXISTS (SELECT 1 FROM _sendlog_recipients WHERE payload_id = $1)`, payloadID); err != nil {
		return fmt.Errorf("sendlog: error collecting garbage: %w", err)
	}
	return nil
}

func (db *database) mergeThread(from, into []byte) error {
	if _, err := db.Tx.Exec("UPDATE _sendlog_payloads SET thread_id = $1 WHERE thread_id = $2", into, from); err != nil {
		return fmt.Errorf("sendlog: error merging threads: %w", err)
	}
	return nil
}

func (db *database) deletePayloadsForInteraction(interactionID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _sendlog_payloads WHERE id IN (SELECT payload_id FROM _sendlog_interactions WHERE interaction_id = $1)", interactionID); err != nil {
		return fmt.Errorf("sendlog: error deleting payloads for interaction: %w", err)
	}
	return nil
}

func (db *database) deleteExpired(cutoffMs uint64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _sendlog_payloads WHERE sent_at_ms < $1", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("sendlog: error deleting expired payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sendlog: error counting expired payloads: %w", err)
	}
	return n, nil
}
