package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"smsbridge/internal/migrations"
	"smsbridge/internal/models"
	"smsbridge/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store behind the bridge ledger and the room
// mapping table. All dedup correctness rests on the UNIQUE constraints the
// schema declares; callers never take locks around inserts.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertBridgeRecord inserts a record and its participant rows in one
// transaction. Returns false without error when the dedup key (or the local
// ref, via its unique index) already exists: the constraint, not the caller,
// decides the single winner under concurrency.
func (d *Database) InsertBridgeRecord(ctx context.Context, rec *models.BridgeRecord, participants []models.Participant) (bool, error) {
	encryptedBody, err := d.encryptor.EncryptIfEnabled(rec.Body)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt body: %w", err)
	}

	var localRef, localRefHash interface{}
	if rec.LocalMsgRef != nil {
		encRef, err := d.encryptor.EncryptIfEnabled(*rec.LocalMsgRef)
		if err != nil {
			return false, fmt.Errorf("failed to encrypt local ref: %w", err)
		}
		hashRef, err := d.encryptor.EncryptForLookupIfEnabled(*rec.LocalMsgRef)
		if err != nil {
			return false, fmt.Errorf("failed to encrypt local ref for lookup: %w", err)
		}
		localRef, localRefHash = encRef, hashRef
	}

	inserted := false
	op := func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, insertBridgeRecordQuery,
			rec.DedupKey,
			rec.ConversationID,
			rec.Timestamp,
			rec.BodyFingerprint,
			string(rec.Direction),
			rec.IsGroup,
			encryptedBody,
			localRef,
			localRefHash,
			rec.RemoteMsgRef,
			rec.RemoteRoomRef,
			string(models.BridgeStatusPending),
		)
		if err != nil {
			return fmt.Errorf("failed to insert bridge record: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows == 0 {
			inserted = false
			return nil
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read record id: %w", err)
		}

		for _, p := range participants {
			encNumber, err := d.encryptor.EncryptIfEnabled(p.PhoneNumber)
			if err != nil {
				return fmt.Errorf("failed to encrypt participant: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insertParticipantQuery, id, encNumber, string(p.Role)); err != nil {
				return fmt.Errorf("failed to insert participant: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}

		rec.ID = id
		rec.Status = models.BridgeStatusPending
		inserted = true
		return nil
	}

	if err := retryableDBOperation(ctx, op, "insert bridge record"); err != nil {
		return false, err
	}
	return inserted, nil
}

func (d *Database) GetBridgeRecordByDedupKey(ctx context.Context, dedupKey string) (*models.BridgeRecord, error) {
	row := d.db.QueryRowContext(ctx, selectBridgeRecordByDedupKeyQuery, dedupKey)
	return d.scanBridgeRecord(row)
}

func (d *Database) GetBridgeRecordByLocalRef(ctx context.Context, localRef string) (*models.BridgeRecord, error) {
	hashRef, err := d.encryptor.EncryptForLookupIfEnabled(localRef)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt local ref: %w", err)
	}
	row := d.db.QueryRowContext(ctx, selectBridgeRecordByLocalRefQuery, hashRef)
	return d.scanBridgeRecord(row)
}

func (d *Database) ExistsByLocalRef(ctx context.Context, localRef string) (bool, error) {
	hashRef, err := d.encryptor.EncryptForLookupIfEnabled(localRef)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt local ref: %w", err)
	}

	var count int
	if err := d.db.QueryRowContext(ctx, existsByLocalRefQuery, hashRef).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check local ref existence: %w", err)
	}
	return count > 0, nil
}

// ConfirmBridgeRecord transitions a pending record to confirmed. Confirming
// an already-terminal record is a no-op; confirming an absent record is an
// error.
func (d *Database) ConfirmBridgeRecord(ctx context.Context, dedupKey, remoteMsgRef, remoteRoomRef string) error {
	op := func() error {
		res, err := d.db.ExecContext(ctx, confirmBridgeRecordQuery, remoteMsgRef, remoteRoomRef, dedupKey)
		if err != nil {
			return fmt.Errorf("failed to confirm bridge record: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows > 0 {
			return nil
		}

		rec, err := d.GetBridgeRecordByDedupKey(ctx, dedupKey)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no bridge record for dedup key %s", dedupKey)
		}
		// Already confirmed or failed; terminal states are never left.
		return nil
	}
	return retryableDBOperation(ctx, op, "confirm bridge record")
}

// RecordBridgeFailure increments the retry counter and forces the record to
// failed once the retry budget is exhausted. No-op on terminal records.
func (d *Database) RecordBridgeFailure(ctx context.Context, dedupKey, reason string, maxRetries int) error {
	op := func() error {
		res, err := d.db.ExecContext(ctx, recordBridgeFailureQuery, reason, maxRetries, dedupKey)
		if err != nil {
			return fmt.Errorf("failed to record bridge failure: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rows > 0 {
			return nil
		}

		rec, err := d.GetBridgeRecordByDedupKey(ctx, dedupKey)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no bridge record for dedup key %s", dedupKey)
		}
		return nil
	}
	return retryableDBOperation(ctx, op, "record bridge failure")
}

// AttachLocalRef sets the local transport's message id on a record created
// before that id existed (remote-to-local deliveries).
func (d *Database) AttachLocalRef(ctx context.Context, dedupKey, localRef string) error {
	encRef, err := d.encryptor.EncryptIfEnabled(localRef)
	if err != nil {
		return fmt.Errorf("failed to encrypt local ref: %w", err)
	}
	hashRef, err := d.encryptor.EncryptForLookupIfEnabled(localRef)
	if err != nil {
		return fmt.Errorf("failed to encrypt local ref for lookup: %w", err)
	}

	op := func() error {
		if _, err := d.db.ExecContext(ctx, attachLocalRefQuery, encRef, hashRef, dedupKey); err != nil {
			return fmt.Errorf("failed to attach local ref: %w", err)
		}
		return nil
	}
	return retryableDBOperation(ctx, op, "attach local ref")
}

// ListPendingBridgeRecords returns retryable pending records oldest-first so
// the scheduler bounds staleness.
func (d *Database) ListPendingBridgeRecords(ctx context.Context, direction *models.Direction, maxRetries int) ([]*models.BridgeRecord, error) {
	var rows *sql.Rows
	var err error
	if direction != nil {
		rows, err = d.db.QueryContext(ctx, selectPendingBridgeRecordsByDirectionQuery, maxRetries, string(*direction))
	} else {
		rows, err = d.db.QueryContext(ctx, selectPendingBridgeRecordsQuery, maxRetries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	var records []*models.BridgeRecord
	for rows.Next() {
		rec, err := d.scanBridgeRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending records: %w", err)
	}
	return records, nil
}

func (d *Database) GetParticipants(ctx context.Context, recordID int64) ([]models.Participant, error) {
	rows, err := d.db.QueryContext(ctx, selectParticipantsQuery, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		var role, encNumber string
		if err := rows.Scan(&p.ID, &p.RecordID, &encNumber, &role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.PhoneNumber, err = d.encryptor.DecryptIfEnabled(encNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt participant: %w", err)
		}
		p.Role = models.ParticipantRole(role)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// CleanupConfirmedRecords deletes confirmed records older than the retention
// window. Participants go with them via the cascade.
func (d *Database) CleanupConfirmedRecords(retentionDays int) error {
	cutoff := fmt.Sprintf("-%d days", retentionDays)
	if _, err := d.db.Exec(cleanupConfirmedRecordsQuery, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup confirmed records: %w", err)
	}
	return nil
}

func (d *Database) LedgerStats(ctx context.Context) (models.LedgerStats, error) {
	rows, err := d.db.QueryContext(ctx, selectLedgerStatsQuery)
	if err != nil {
		return models.LedgerStats{}, fmt.Errorf("failed to query ledger stats: %w", err)
	}
	defer rows.Close()

	var stats models.LedgerStats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return models.LedgerStats{}, fmt.Errorf("failed to scan ledger stats: %w", err)
		}
		switch models.BridgeStatus(status) {
		case models.BridgeStatusPending, models.BridgeStatusSent:
			stats.Pending += count
		case models.BridgeStatusConfirmed:
			stats.Confirmed += count
		case models.BridgeStatusFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return models.LedgerStats{}, fmt.Errorf("failed to iterate ledger stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanBridgeRecord(row *sql.Row) (*models.BridgeRecord, error) {
	rec, err := d.scanBridgeRecordFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (d *Database) scanBridgeRecordRows(rows *sql.Rows) (*models.BridgeRecord, error) {
	return d.scanBridgeRecordFrom(rows)
}

func (d *Database) scanBridgeRecordFrom(row rowScanner) (*models.BridgeRecord, error) {
	rec := &models.BridgeRecord{}
	var direction, status, encBody string
	var encLocalRef *string

	err := row.Scan(
		&rec.ID,
		&rec.DedupKey,
		&rec.ConversationID,
		&rec.Timestamp,
		&rec.BodyFingerprint,
		&direction,
		&rec.IsGroup,
		&encBody,
		&encLocalRef,
		&rec.RemoteMsgRef,
		&rec.RemoteRoomRef,
		&status,
		&rec.FailureReason,
		&rec.RetryCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bridge record: %w", err)
	}

	rec.Direction = models.Direction(direction)
	rec.Status = models.BridgeStatus(status)

	rec.Body, err = d.encryptor.DecryptIfEnabled(encBody)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt body: %w", err)
	}
	if encLocalRef != nil {
		localRef, err := d.encryptor.DecryptIfEnabled(*encLocalRef)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt local ref: %w", err)
		}
		rec.LocalMsgRef = &localRef
	}

	return rec, nil
}

// SaveRoomMapping creates or refreshes the mapping for a conversation key.
// Mappings are updated in place, never replaced; the remote room id stays
// unique across live mappings via its own constraint.
func (d *Database) SaveRoomMapping(ctx context.Context, mapping *models.RoomMapping) error {
	keyHash, err := d.encryptor.EncryptForLookupIfEnabled(mapping.ConversationKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation key: %w", err)
	}

	participantsJSON, err := json.Marshal(mapping.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	encParticipants, err := d.encryptor.EncryptIfEnabled(string(participantsJSON))
	if err != nil {
		return fmt.Errorf("failed to encrypt participants: %w", err)
	}

	op := func() error {
		_, err := d.db.ExecContext(ctx, upsertRoomMappingQuery,
			keyHash,
			encParticipants,
			mapping.RemoteRoomID,
			mapping.RemoteAlias,
			mapping.IsGroup,
		)
		if err != nil {
			return fmt.Errorf("failed to save room mapping: %w", err)
		}
		return nil
	}
	return retryableDBOperation(ctx, op, "save room mapping")
}

func (d *Database) GetRoomMappingByKey(ctx context.Context, conversationKey string) (*models.RoomMapping, error) {
	keyHash, err := d.encryptor.EncryptForLookupIfEnabled(conversationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt conversation key: %w", err)
	}

	row := d.db.QueryRowContext(ctx, selectRoomMappingByKeyQuery, keyHash)
	return d.scanRoomMapping(row, conversationKey)
}

func (d *Database) GetRoomMappingByRemoteRoomID(ctx context.Context, remoteRoomID string) (*models.RoomMapping, error) {
	row := d.db.QueryRowContext(ctx, selectRoomMappingByRoomIDQuery, remoteRoomID)
	return d.scanRoomMapping(row, "")
}

func (d *Database) TouchRoomMapping(ctx context.Context, conversationKey string) error {
	keyHash, err := d.encryptor.EncryptForLookupIfEnabled(conversationKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation key: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, touchRoomMappingQuery, keyHash); err != nil {
		return fmt.Errorf("failed to touch room mapping: %w", err)
	}
	return nil
}

// DeleteRoomMapping removes a mapping; only explicit user reset calls this.
func (d *Database) DeleteRoomMapping(ctx context.Context, conversationKey string) error {
	keyHash, err := d.encryptor.EncryptForLookupIfEnabled(conversationKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt conversation key: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, deleteRoomMappingQuery, keyHash); err != nil {
		return fmt.Errorf("failed to delete room mapping: %w", err)
	}
	return nil
}

func (d *Database) scanRoomMapping(row *sql.Row, knownKey string) (*models.RoomMapping, error) {
	mapping := &models.RoomMapping{}
	var storedKey, encParticipants string

	err := row.Scan(
		&mapping.ID,
		&storedKey,
		&encParticipants,
		&mapping.RemoteRoomID,
		&mapping.RemoteAlias,
		&mapping.IsGroup,
		&mapping.LastUsedAt,
		&mapping.CreatedAt,
		&mapping.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan room mapping: %w", err)
	}

	if knownKey != "" {
		mapping.ConversationKey = knownKey
	} else {
		key, err := d.encryptor.DecryptIfEnabled(storedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt conversation key: %w", err)
		}
		mapping.ConversationKey = key
	}

	participantsJSON, err := d.encryptor.DecryptIfEnabled(encParticipants)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt participants: %w", err)
	}
	if err := json.Unmarshal([]byte(participantsJSON), &mapping.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}

	return mapping, nil
}
