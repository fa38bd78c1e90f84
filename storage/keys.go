package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SavePrivateKey upserts the key pair of a local identity.
func (s *Store) SavePrivateKey(record PrivateKeyRecord) error {
	if record.Identity == "" {
		return errors.New("identity is required")
	}
	if record.PrivateKey == "" {
		return errors.New("private_key is required")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO private_keys (identity, private_key, public_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			private_key = excluded.private_key,
			public_key = excluded.public_key,
			created_at = excluded.created_at`,
		record.Identity,
		record.PrivateKey,
		record.PublicKey,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save private key for %q: %w", record.Identity, err)
	}

	return nil
}

// GetPrivateKey fetches the key pair of a local identity.
func (s *Store) GetPrivateKey(identity string) (*PrivateKeyRecord, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}

	var record PrivateKeyRecord
	err := s.db.QueryRow(
		`SELECT identity, private_key, public_key, created_at
		FROM private_keys
		WHERE identity = ?`,
		identity,
	).Scan(&record.Identity, &record.PrivateKey, &record.PublicKey, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get private key for %q: %w", identity, err)
	}

	return &record, nil
}

// SavePublicKey upserts a cached peer public key.
func (s *Store) SavePublicKey(record PublicKeyRecord) error {
	if record.Identity == "" {
		return errors.New("identity is required")
	}
	if record.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if record.CachedAt == 0 {
		record.CachedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO public_keys (identity, public_key, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			public_key = excluded.public_key,
			cached_at = excluded.cached_at`,
		record.Identity,
		record.PublicKey,
		record.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("save public key for %q: %w", record.Identity, err)
	}

	return nil
}

// GetPublicKey fetches a cached peer public key.
func (s *Store) GetPublicKey(identity string) (*PublicKeyRecord, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}

	var record PublicKeyRecord
	err := s.db.QueryRow(
		`SELECT identity, public_key, cached_at
		FROM public_keys
		WHERE identity = ?`,
		identity,
	).Scan(&record.Identity, &record.PublicKey, &record.CachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get public key for %q: %w", identity, err)
	}

	return &record, nil
}

// DeleteKeys removes the private and cached public key rows of one identity.
func (s *Store) DeleteKeys(identity string) error {
	if identity == "" {
		return errors.New("identity is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete keys transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM private_keys WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete private key for %q: %w", identity, err)
	}
	if _, err := tx.Exec(`DELETE FROM public_keys WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete public key for %q: %w", identity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete keys transaction: %w", err)
	}
	return nil
}

// DeleteAllKeys removes every private and cached public key row.
func (s *Store) DeleteAllKeys() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete all keys transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM private_keys`); err != nil {
		return fmt.Errorf("delete private keys: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM public_keys`); err != nil {
		return fmt.Errorf("delete public keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete all keys transaction: %w", err)
	}
	return nil
}
