package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertEnvEntry stores one sealed environment value for a host.
func (s *Store) UpsertEnvEntry(hostname, key, encryptedValue string) error {
	if key == "" {
		return errors.New("key is required")
	}
	if encryptedValue == "" {
		return errors.New("encrypted_value is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO encrypted_env_data (hostname, key, encrypted_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hostname, key) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			updated_at      = excluded.updated_at`,
		nullString(hostname),
		key,
		encryptedValue,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert env entry %q/%q: %w", hostname, key, err)
	}

	return nil
}

// GetEnvEntry fetches one sealed environment value.
func (s *Store) GetEnvEntry(hostname, key string) (*EnvEntry, error) {
	row := s.db.QueryRow(
		`SELECT hostname, key, encrypted_value, updated_at
		FROM encrypted_env_data
		WHERE hostname IS ? AND key = ?`,
		nullString(hostname),
		key,
	)

	entry, err := scanEnvEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get env entry %q/%q: %w", hostname, key, err)
	}

	return entry, nil
}

// ListEnvEntries returns all sealed environment rows sorted by hostname
// then key.
func (s *Store) ListEnvEntries() ([]EnvEntry, error) {
	rows, err := s.db.Query(
		`SELECT hostname, key, encrypted_value, updated_at
		FROM encrypted_env_data
		ORDER BY hostname, key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list env entries: %w", err)
	}
	defer rows.Close()

	entries := make([]EnvEntry, 0)
	for rows.Next() {
		entry, err := scanEnvEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan env entry row: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate env entry rows: %w", err)
	}

	return entries, nil
}

// ExportSnapshot builds the full configuration snapshot served to a
// SyncDatabase request. It always contains everything; incremental
// export keyed on last_sync is not implemented.
func (s *Store) ExportSnapshot(fromHostname string) (*Snapshot, error) {
	hosts, err := s.ListHosts()
	if err != nil {
		return nil, err
	}

	settings, err := s.ListSettings()
	if err != nil {
		return nil, err
	}

	env, err := s.ListEnvEntries()
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		FromHostname: fromHostname,
		GeneratedAt:  nowUnixMilli(),
		Hosts:        make(map[string]HostConfig, len(hosts)),
		Settings:     settings,
		Env:          env,
	}
	for _, host := range hosts {
		snapshot.Hosts[host.Hostname] = host.Config
	}

	return snapshot, nil
}

// EncodeSnapshot serializes a snapshot for transport inside a Success
// response.
func EncodeSnapshot(snapshot *Snapshot) (string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(raw), nil
}

// DecodeSnapshot parses a snapshot received from a peer.
func DecodeSnapshot(raw string) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snapshot, nil
}

func scanEnvEntry(row rowScanner) (*EnvEntry, error) {
	var entry EnvEntry
	var hostname sql.NullString

	if err := row.Scan(&hostname, &entry.Key, &entry.EncryptedValue, &entry.UpdatedAt); err != nil {
		return nil, err
	}

	entry.Hostname = hostname.String
	return &entry, nil
}
