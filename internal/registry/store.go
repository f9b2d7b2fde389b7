// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"time"

	"github.com/keywarden/keywarden/internal/model"
)

// Store defines the interface for all registry operations. The pipeline can
// resume after a restart from nothing but this store plus the graph.
type Store interface {
	// Host binding methods. BindHost is collision-checked: binding the same
	// (hostname, label) pair again returns the existing host, while binding
	// a label that already belongs to a different hostname fails with
	// ErrLabelCollision.
	BindHost(hostname string, label model.Label) (model.Host, error)
	HostByName(hostname string) (*model.Host, error)
	HostByLabel(label model.Label) (*model.Host, error)
	AllHosts() ([]model.Host, error)

	// Deploy state methods. DeployedHash returns "" when the host has never
	// been deployed to.
	DeployedHash(hostname string) (string, error)
	SetDeployedHash(hostname, hash string) error

	// Known host key methods used by the SSH sink for host key pinning.
	KnownHostKey(hostname string) (string, error)
	TrustHostKey(hostname, key string) error

	// Audit log methods.
	LogAction(action, details string) error
	AllAuditLogEntries() ([]AuditLogEntry, error)

	// Backup helpers.
	ExportDataForBackup() (*BackupData, error)
	ImportDataFromBackup(*BackupData) error

	Close() error
}

// AuditLogEntry records one administrative action for the audit trail.
type AuditLogEntry struct {
	ID        int
	Timestamp time.Time
	Action    string
	Details   string
}

// BackupData is the registry's full contents in a portable form, written
// and read by the zstd-compressed JSON backup helpers.
type BackupData struct {
	Hosts       []model.Host    `json:"hosts"`
	DeployState []DeployState   `json:"deploy_state"`
	KnownHosts  []KnownHost     `json:"known_hosts"`
	AuditLog    []AuditLogEntry `json:"audit_log"`
}

// DeployState is the persisted per-host deployment record.
type DeployState struct {
	Hostname    string    `json:"hostname"`
	ContentHash string    `json:"content_hash"`
	DeployedAt  time.Time `json:"deployed_at"`
}

// KnownHost is a pinned SSH host key.
type KnownHost struct {
	Hostname string `json:"hostname"`
	Key      string `json:"key"`
}
