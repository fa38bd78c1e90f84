package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SetSetting upserts one local setting.
func (s *Store) SetSetting(key, value string) error {
	if key == "" {
		return errors.New("setting key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetSetting returns one local setting or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	if key == "" {
		return "", errors.New("setting key is required")
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// GetBoolSetting returns a boolean setting, or fallback when unset.
func (s *Store) GetBoolSetting(key string, fallback bool) (bool, error) {
	value, err := s.GetSetting(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fallback, nil
		}
		return fallback, err
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("parse setting %q: %w", key, err)
	}
	return parsed, nil
}

// SetBoolSetting stores a boolean setting.
func (s *Store) SetBoolSetting(key string, value bool) error {
	return s.SetSetting(key, strconv.FormatBool(value))
}
