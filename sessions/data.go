package sessions

import (
	"database/sql"
	"errors"
	"fmt"

	db "github.com/nestwire/go-courier/internal/db"
	"github.com/nestwire/go-courier/migration"
)

type deviceRow struct {
	RecipientID []byte `db:"recipient_id"`
	DeviceID    uint32 `db:"device_id"`
}

type sessionRecord struct {
	RecipientID []byte `db:"recipient_id"`
	DeviceID    uint32 `db:"device_id"`
	StateID     []byte `db:"state_id"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

type ratchetState struct {
	ID          []byte `db:"id"`
	Dhr         []byte `db:"dhr"`
	DhsPub      []byte `db:"dhs_pub"`
	DhsPriv     []byte `db:"dhs_priv"`
	RootChKey   []byte `db:"root_ch_key"`
	SendChKey   []byte `db:"send_ch_key"`
	SendChCount uint32 `db:"send_ch_count"`
	RecvChKey   []byte `db:"recv_ch_key"`
	RecvChCount uint32 `db:"recv_ch_count"`
	PN          uint32 `db:"pn"`
	MaxSkip     uint   `db:"max_skip"`
	HKr         []byte `db:"hkr"`
	NHKr        []byte `db:"nhkr"`
	HKs         []byte `db:"hks"`
	NHKs        []byte `db:"nhks"`
	MaxKeep     uint   `db:"max_keep"`
	MaxMessage  int    `db:"mmk_per_session"`
	Step        uint   `db:"step"`
	KeysCount   uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_sessions", []*migration.Migration{
		{
			Name: "Create session tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _session_devices (
						recipient_id BLOB NOT NULL,
						device_id INT8 NOT NULL,
						PRIMARY KEY(recipient_id, device_id)
					);

					CREATE TABLE _session_records (
						recipient_id BLOB NOT NULL,
						device_id INT8 NOT NULL,
						state_id BLOB NOT NULL,
						created_at_ms INT8 NOT NULL,
						PRIMARY KEY(recipient_id, device_id)
					);

					CREATE TABLE _session_ratchet_states (
						id BLOB PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
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

func (db *database) knownDevices(recipientID []byte) ([]uint32, error) {
	var rows []*deviceRow
	if err := db.Tx.Select(&rows, "SELECT * FROM _session_devices WHERE recipient_id = $1 ORDER BY device_id", recipientID); err != nil {
		return nil, fmt.Errorf("sessions: error getting devices: %w", err)
	}
	out := make([]uint32, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.DeviceID)
	}
	return out, nil
}

func (db *database) addDevice(recipientID []byte, deviceID uint32) error {
	if _, err := db.Tx.Exec("INSERT INTO _session_devices (recipient_id, device_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", recipientID, deviceID); err != nil {
		return fmt.Errorf("sessions: error adding device: %w", err)
	}
	return nil
}

func (db *database) removeDevice(recipientID []byte, deviceID uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _session_devices WHERE recipient_id = $1 AND device_id = $2", recipientID, deviceID); err != nil {
		return fmt.Errorf("sessions: error removing device: %w", err)
	}
	return nil
}

func (db *database) sessionRecord(recipientID []byte, deviceID uint32) (*sessionRecord, error) {
	sr := sessionRecord{}
	if err := db.Tx.Get(&sr, "SELECT * FROM _session_records WHERE recipient_id = $1 AND device_id = $2", recipientID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: error getting session record: %w", err)
	}
	return &sr, nil
}

func (db *database) upsertSessionRecord(sr *sessionRecord) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _session_records (recipient_id, device_id, state_id, created_at_ms)
		VALUES (:recipient_id, :device_id, :state_id, :created_at_ms)
		ON CONFLICT(recipient_id, device_id) DO UPDATE SET state_id = :state_id, created_at_ms = :created_at_ms`, sr); err != nil {
		return fmt.Errorf("sessions: error upserting session record: %w", err)
	}
	return nil
}

func (db *database) deleteSessionsForRecipient(recipientID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _session_ratchet_states WHERE id IN (SELECT state_id FROM _session_records WHERE recipient_id = $1)", recipientID); err != nil {
		return fmt.Errorf("sessions: error deleting ratchet states: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _session_records WHERE recipient_id = $1", recipientID); err != nil {
		return fmt.Errorf("sessions: error deleting session records: %w", err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	rs := ratchetState{}
	if err := db.Tx.Get(&rs, "SELECT * FROM _session_ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("sessions: error getting ratchet state: %w", err)
	}
	return &rs, nil
}

func (db *database) upsertRatchetState(rs *ratchetState) error {
	if _, err := db.Tx.NamedExec(`
		INSERT INTO _session_ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT(id) DO UPDATE SET
			dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key,
			send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key,
			recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr,
			hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session,
			step = :step, keys_count = :keys_count`, rs); err != nil {
		return fmt.Errorf("sessions: error upserting ratchet state: %w", err)
	}
	return nil
}
