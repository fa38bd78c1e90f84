package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordSend inserts or replaces the journal row for a submission fingerprint.
func (s *Store) RecordSend(record SendRecord) error {
	if record.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if record.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if record.ReceiverID == "" {
		return errors.New("receiver_id is required")
	}
	if record.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if record.State == "" {
		record.State = SendStatePending
	}
	if err := validateSendState(record.State); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO send_log (
			fingerprint,
			conversation_id,
			sender_id,
			receiver_id,
			timestamp_sent,
			encrypted,
			state,
			error,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			encrypted = excluded.encrypted,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		record.Fingerprint,
		record.ConversationID,
		record.SenderID,
		record.ReceiverID,
		record.TimestampSent,
		boolToInt(record.Encrypted),
		record.State,
		record.Error,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record send %q: %w", record.Fingerprint, err)
	}

	return nil
}

// GetSendRecord fetches one journal row.
func (s *Store) GetSendRecord(fingerprint string) (*SendRecord, error) {
	if fingerprint == "" {
		return nil, errors.New("fingerprint is required")
	}

	row := s.db.QueryRow(
		`SELECT
			fingerprint,
			conversation_id,
			sender_id,
			receiver_id,
			timestamp_sent,
			encrypted,
			state,
			error,
			updated_at
		FROM send_log
		WHERE fingerprint = ?`,
		fingerprint,
	)

	record, err := scanSendRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get send record %q: %w", fingerprint, err)
	}
	return record, nil
}

// ListSends returns journal rows for one conversation ordered by send time.
func (s *Store) ListSends(conversationID string, limit, offset int) ([]SendRecord, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			fingerprint,
			conversation_id,
			sender_id,
			receiver_id,
			timestamp_sent,
			encrypted,
			state,
			error,
			updated_at
		FROM send_log
		WHERE conversation_id = ?
		ORDER BY timestamp_sent ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sends for %q: %w", conversationID, err)
	}
	defer rows.Close()

	records := make([]SendRecord, 0)
	for rows.Next() {
		record, err := scanSendRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send record row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send record rows: %w", err)
	}

	return records, nil
}

// FailStalePending marks pending rows last touched before cutoff as failed.
// A pending row only outlives its process when the client crashed mid-send.
func (s *Store) FailStalePending(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`UPDATE send_log
		SET state = ?, error = ?, updated_at = ?
		WHERE state = ? AND updated_at < ?`,
		SendStateFailed,
		"abandoned while pending",
		nowUnixMilli(),
		SendStatePending,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending sends: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for fail stale pending: %w", err)
	}
	return rowsAffected, nil
}

// PruneSendLog removes resolved rows last touched before cutoff.
func (s *Store) PruneSendLog(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM send_log WHERE state != ? AND updated_at < ?`,
		SendStatePending,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune send log: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for send log prune: %w", err)
	}
	return rowsAffected, nil
}

func scanSendRecord(row scanner) (*SendRecord, error) {
	var (
		record    SendRecord
		encrypted int
	)

	if err := row.Scan(
		&record.Fingerprint,
		&record.ConversationID,
		&record.SenderID,
		&record.ReceiverID,
		&record.TimestampSent,
		&encrypted,
		&record.State,
		&record.Error,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	record.Encrypted = encrypted == 1
	return &record, nil
}
