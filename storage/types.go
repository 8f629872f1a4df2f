package storage

// HostConfig is the user-facing configuration for one host: how to
// reach it and where its backups go. All fields are optional; empty
// string means unset.
type HostConfig struct {
	IP         string `json:"ip,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Tailscale  string `json:"tailscale,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
}

// IsZero reports whether no field is set.
func (c HostConfig) IsZero() bool {
	return c == HostConfig{}
}

// HostRecord is one host_info row: provisioning facts plus the host's
// configuration columns.
type HostRecord struct {
	Hostname           string
	LastProvisionedAt  int64
	DockerVersion      string
	TailscaleInstalled bool
	PortainerInstalled bool
	Config             HostConfig
	CreatedAt          int64
	UpdatedAt          int64
}

// Setting is one settings row.
type Setting struct {
	ID        string
	Key       string
	Value     string
	CreatedAt int64
	UpdatedAt int64
}

// EnvEntry is one encrypted_env_data row. EncryptedValue is a sealed
// blob; this package never sees plaintext.
type EnvEntry struct {
	Hostname       string `json:"hostname,omitempty"`
	Key            string `json:"key"`
	EncryptedValue string `json:"encrypted_value"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Snapshot is the full configuration state one agent hands to another
// in answer to a SyncDatabase request.
type Snapshot struct {
	FromHostname string                `json:"from_hostname"`
	GeneratedAt  int64                 `json:"generated_at"`
	Hosts        map[string]HostConfig `json:"hosts"`
	Settings     map[string]string     `json:"settings"`
	Env          []EnvEntry            `json:"env,omitempty"`
}
