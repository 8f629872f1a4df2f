package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// StoreHostInfo upserts the provisioning facts for a host, leaving the
// host's configuration columns untouched.
func (s *Store) StoreHostInfo(hostname, dockerVersion string, tailscaleInstalled, portainerInstalled bool, lastProvisionedAt int64) error {
	if hostname == "" {
		return errors.New("hostname is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO host_info (
			hostname,
			last_provisioned_at,
			docker_version,
			tailscale_installed,
			portainer_installed,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			last_provisioned_at = COALESCE(excluded.last_provisioned_at, last_provisioned_at),
			docker_version      = excluded.docker_version,
			tailscale_installed = excluded.tailscale_installed,
			portainer_installed = excluded.portainer_installed,
			updated_at          = excluded.updated_at`,
		hostname,
		nullInt64(lastProvisionedAt),
		nullString(dockerVersion),
		boolToInt(tailscaleInstalled),
		boolToInt(portainerInstalled),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("store host info %q: %w", hostname, err)
	}

	return nil
}

// StoreHostConfig upserts the configuration columns for a host, leaving
// the provisioning facts untouched.
func (s *Store) StoreHostConfig(hostname string, config HostConfig) error {
	if hostname == "" {
		return errors.New("hostname is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO host_info (
			hostname,
			ip,
			config_hostname,
			tailscale,
			backup_path,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			ip              = excluded.ip,
			config_hostname = excluded.config_hostname,
			tailscale       = excluded.tailscale,
			backup_path     = excluded.backup_path,
			updated_at      = excluded.updated_at`,
		hostname,
		nullString(config.IP),
		nullString(config.Hostname),
		nullString(config.Tailscale),
		nullString(config.BackupPath),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("store host config %q: %w", hostname, err)
	}

	return nil
}

// GetHostConfig fetches the configuration columns for a host.
func (s *Store) GetHostConfig(hostname string) (*HostConfig, error) {
	row := s.db.QueryRow(
		`SELECT ip, config_hostname, tailscale, backup_path
		FROM host_info
		WHERE hostname = ?`,
		hostname,
	)

	var ip, configHostname, tailscale, backupPath sql.NullString
	if err := row.Scan(&ip, &configHostname, &tailscale, &backupPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get host config %q: %w", hostname, err)
	}

	return &HostConfig{
		IP:         ip.String,
		Hostname:   configHostname.String,
		Tailscale:  tailscale.String,
		BackupPath: backupPath.String,
	}, nil
}

// GetHostRecord fetches a full host_info row.
func (s *Store) GetHostRecord(hostname string) (*HostRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			hostname,
			last_provisioned_at,
			docker_version,
			tailscale_installed,
			portainer_installed,
			ip,
			config_hostname,
			tailscale,
			backup_path,
			created_at,
			updated_at
		FROM host_info
		WHERE hostname = ?`,
		hostname,
	)

	record, err := scanHostRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get host record %q: %w", hostname, err)
	}

	return record, nil
}

// ListHosts returns all host_info rows sorted by hostname.
func (s *Store) ListHosts() ([]HostRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			hostname,
			last_provisioned_at,
			docker_version,
			tailscale_installed,
			portainer_installed,
			ip,
			config_hostname,
			tailscale,
			backup_path,
			created_at,
			updated_at
		FROM host_info
		ORDER BY hostname`,
	)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	hosts := make([]HostRecord, 0)
	for rows.Next() {
		record, err := scanHostRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host row: %w", err)
		}
		hosts = append(hosts, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate host rows: %w", err)
	}

	return hosts, nil
}

// DeleteHost removes a host row entirely.
func (s *Store) DeleteHost(hostname string) error {
	res, err := s.db.Exec(`DELETE FROM host_info WHERE hostname = ?`, hostname)
	if err != nil {
		return fmt.Errorf("delete host %q: %w", hostname, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete host %q: %w", hostname, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHostRecord(row rowScanner) (*HostRecord, error) {
	var record HostRecord
	var lastProvisionedAt sql.NullInt64
	var dockerVersion, ip, configHostname, tailscale, backupPath sql.NullString
	var tailscaleInstalled, portainerInstalled int

	if err := row.Scan(
		&record.Hostname,
		&lastProvisionedAt,
		&dockerVersion,
		&tailscaleInstalled,
		&portainerInstalled,
		&ip,
		&configHostname,
		&tailscale,
		&backupPath,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	record.LastProvisionedAt = lastProvisionedAt.Int64
	record.DockerVersion = dockerVersion.String
	record.TailscaleInstalled = tailscaleInstalled != 0
	record.PortainerInstalled = portainerInstalled != 0
	record.Config = HostConfig{
		IP:         ip.String,
		Hostname:   configHostname.String,
		Tailscale:  tailscale.String,
		BackupPath: backupPath.String,
	}

	return &record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
