package database

// Bridge record queries
const (
	insertBridgeRecordQuery = `
		INSERT OR IGNORE INTO bridge_records (
			dedup_key, conversation_id, message_timestamp, body_fingerprint,
			direction, is_group, body, local_msg_ref, local_msg_ref_hash,
			remote_msg_ref, remote_room_ref, status, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	insertParticipantQuery = `
		INSERT INTO participants (record_id, phone_number, role)
		VALUES (?, ?, ?)
	`

	selectBridgeRecordColumns = `
		SELECT id, dedup_key, conversation_id, message_timestamp, body_fingerprint,
		       direction, is_group, body, local_msg_ref, remote_msg_ref,
		       remote_room_ref, status, failure_reason, retry_count,
		       created_at, updated_at
		FROM bridge_records
	`

	selectBridgeRecordByDedupKeyQuery = selectBridgeRecordColumns + `
		WHERE dedup_key = ?
	`

	selectBridgeRecordByLocalRefQuery = selectBridgeRecordColumns + `
		WHERE local_msg_ref_hash = ?
	`

	existsByLocalRefQuery = `
		SELECT COUNT(1) FROM bridge_records WHERE local_msg_ref_hash = ?
	`

	selectPendingBridgeRecordsQuery = selectBridgeRecordColumns + `
		WHERE status = 'pending' AND retry_count < ?
		ORDER BY created_at ASC
	`

	selectPendingBridgeRecordsByDirectionQuery = selectBridgeRecordColumns + `
		WHERE status = 'pending' AND retry_count < ? AND direction = ?
		ORDER BY created_at ASC
	`

	confirmBridgeRecordQuery = `
		UPDATE bridge_records
		SET status = 'confirmed', remote_msg_ref = ?, remote_room_ref = ?
		WHERE dedup_key = ? AND status IN ('pending', 'sent')
	`

	recordBridgeFailureQuery = `
		UPDATE bridge_records
		SET retry_count = retry_count + 1,
		    failure_reason = ?,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE status END
		WHERE dedup_key = ? AND status IN ('pending', 'sent')
	`

	attachLocalRefQuery = `
		UPDATE bridge_records
		SET local_msg_ref = ?, local_msg_ref_hash = ?
		WHERE dedup_key = ? AND local_msg_ref IS NULL
	`

	selectParticipantsQuery = `
		SELECT id, record_id, phone_number, role
		FROM participants
		WHERE record_id = ?
		ORDER BY id ASC
	`

	cleanupConfirmedRecordsQuery = `
		DELETE FROM bridge_records
		WHERE status = 'confirmed'
		  AND updated_at < datetime('now', ?)
	`

	selectLedgerStatsQuery = `
		SELECT status, COUNT(1) FROM bridge_records GROUP BY status
	`
)

// Room mapping queries
const (
	upsertRoomMappingQuery = `
		INSERT INTO room_mappings (
			conversation_key, participants, remote_room_id, remote_alias, is_group, last_used_at
		) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_key) DO UPDATE SET
			participants = excluded.participants,
			remote_room_id = excluded.remote_room_id,
			remote_alias = excluded.remote_alias,
			is_group = excluded.is_group,
			last_used_at = CURRENT_TIMESTAMP
	`

	selectRoomMappingColumns = `
		SELECT id, conversation_key, participants, remote_room_id, remote_alias,
		       is_group, last_used_at, created_at, updated_at
		FROM room_mappings
	`

	selectRoomMappingByKeyQuery = selectRoomMappingColumns + `
		WHERE conversation_key = ?
	`

	selectRoomMappingByRoomIDQuery = selectRoomMappingColumns + `
		WHERE remote_room_id = ?
	`

	touchRoomMappingQuery = `
		UPDATE room_mappings SET last_used_at = CURRENT_TIMESTAMP
		WHERE conversation_key = ?
	`

	deleteRoomMappingQuery = `
		DELETE FROM room_mappings WHERE conversation_key = ?
	`
)
