// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keywarden/keywarden/internal/model"
	"github.com/uptrace/bun"
)

// HostModel maps the `hosts` table for Bun queries.
type HostModel struct {
	bun.BaseModel `bun:"table:hosts"`
	ID            int       `bun:"id,pk,autoincrement"`
	Hostname      string    `bun:"hostname"`
	Label         int64     `bun:"label"`
	CreatedAt     time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}

// DeployStateModel maps the per-host deployment record.
type DeployStateModel struct {
	bun.BaseModel `bun:"table:deploy_state"`
	Hostname      string    `bun:"hostname,pk"`
	ContentHash   string    `bun:"content_hash"`
	DeployedAt    time.Time `bun:"deployed_at,nullzero,default:current_timestamp"`
}

// KnownHostModel maps known_hosts.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"key"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int       `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp,nullzero,default:current_timestamp"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

func hostModelToModel(h HostModel) model.Host {
	return model.Host{ID: h.ID, Hostname: h.Hostname, Label: model.Label(uint32(h.Label))}
}

// bunStore is the Bun-backed implementation of Store. It works unchanged
// across the sqlite, postgres and mysql dialects.
type bunStore struct {
	db  *sql.DB
	bun *bun.DB
}

// BindHost persists a hostname/label binding. The same pair binds
// idempotently; a label already held by a different hostname fails with
// ErrLabelCollision, and an existing hostname is never silently re-labelled.
func (s *bunStore) BindHost(hostname string, label model.Label) (model.Host, error) {
	ctx := context.Background()

	var existing HostModel
	err := s.bun.NewSelect().Model(&existing).Where("label = ?", int64(label)).Limit(1).Scan(ctx)
	switch {
	case err == nil:
		if existing.Hostname != hostname {
			return model.Host{}, fmt.Errorf("label %d held by %q, requested for %q: %w",
				uint32(label), existing.Hostname, hostname, ErrLabelCollision)
		}
		return hostModelToModel(existing), nil
	case !errors.Is(err, sql.ErrNoRows):
		return model.Host{}, err
	}

	err = s.bun.NewSelect().Model(&existing).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	switch {
	case err == nil:
		// Derivation is deterministic, so a hostname re-binding under a new
		// label means the caller's config changed. Refuse rather than remap.
		return model.Host{}, fmt.Errorf("host %q already bound to label %d: %w",
			hostname, existing.Label, ErrLabelCollision)
	case !errors.Is(err, sql.ErrNoRows):
		return model.Host{}, err
	}

	h := HostModel{Hostname: hostname, Label: int64(label)}
	if _, err := s.bun.NewInsert().Model(&h).Exec(ctx); err != nil {
		return model.Host{}, MapDBError(err)
	}
	_ = s.LogAction("BIND_HOST", fmt.Sprintf("host: %s, label: %d", hostname, uint32(label)))
	return hostModelToModel(h), nil
}

// HostByName returns the binding for a hostname, or nil when unknown.
func (s *bunStore) HostByName(hostname string) (*model.Host, error) {
	var h HostModel
	err := s.bun.NewSelect().Model(&h).Where("hostname = ?", hostname).Limit(1).Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := hostModelToModel(h)
	return &m, nil
}

// HostByLabel returns the binding for a label, or nil when unbound.
func (s *bunStore) HostByLabel(label model.Label) (*model.Host, error) {
	var h HostModel
	err := s.bun.NewSelect().Model(&h).Where("label = ?", int64(label)).Limit(1).Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := hostModelToModel(h)
	return &m, nil
}

// AllHosts returns every known host, ordered by hostname for stable
// iteration in refreshAll.
func (s *bunStore) AllHosts() ([]model.Host, error) {
	var rows []HostModel
	if err := s.bun.NewSelect().Model(&rows).Order("hostname ASC").Scan(context.Background()); err != nil {
		return nil, err
	}
	out := make([]model.Host, 0, len(rows))
	for _, h := range rows {
		out = append(out, hostModelToModel(h))
	}
	return out, nil
}

// DeployedHash returns the content hash last deployed to a host. An empty
// string means no deployment has been recorded; that is a state, not an error.
func (s *bunStore) DeployedHash(hostname string) (string, error) {
	var ds DeployStateModel
	err := s.bun.NewSelect().Model(&ds).Where("hostname = ?", hostname).Limit(1).Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return ds.ContentHash, nil
}

// SetDeployedHash records the hash of the content just deployed to a host.
// Update-then-insert keeps the upsert portable across all three dialects.
func (s *bunStore) SetDeployedHash(hostname, hash string) error {
	ctx := context.Background()
	ds := DeployStateModel{Hostname: hostname, ContentHash: hash, DeployedAt: time.Now().UTC()}
	res, err := s.bun.NewUpdate().Model(&ds).
		Column("content_hash", "deployed_at").
		Where("hostname = ?", hostname).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.bun.NewInsert().Model(&ds).Exec(ctx)
	return MapDBError(err)
}

// KnownHostKey retrieves the pinned public key for a hostname, or "" when
// the host has not been trusted yet.
func (s *bunStore) KnownHostKey(hostname string) (string, error) {
	var kh KnownHostModel
	err := s.bun.NewSelect().Model(&kh).Where("hostname = ?", hostname).Limit(1).Scan(context.Background())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return kh.Key, nil
}

// TrustHostKey pins (or re-pins) a host's public key. Re-pinning supports
// legitimately re-provisioned hosts.
func (s *bunStore) TrustHostKey(hostname, key string) error {
	ctx := context.Background()
	kh := KnownHostModel{Hostname: hostname, Key: key}
	res, err := s.bun.NewUpdate().Model(&kh).
		Column("key").
		Where("hostname = ?", hostname).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		_ = s.LogAction("TRUST_HOST", fmt.Sprintf("hostname: %s", hostname))
		return nil
	}
	if _, err := s.bun.NewInsert().Model(&kh).Exec(ctx); err != nil {
		return MapDBError(err)
	}
	_ = s.LogAction("TRUST_HOST", fmt.Sprintf("hostname: %s", hostname))
	return nil
}

// LogAction records an audit trail event.
func (s *bunStore) LogAction(action, details string) error {
	e := AuditLogModel{Timestamp: time.Now().UTC(), Action: action, Details: details}
	_, err := s.bun.NewInsert().Model(&e).Exec(context.Background())
	return err
}

// AllAuditLogEntries returns the audit trail, most recent first.
func (s *bunStore) AllAuditLogEntries() ([]AuditLogEntry, error) {
	var rows []AuditLogModel
	if err := s.bun.NewSelect().Model(&rows).Order("id DESC").Scan(context.Background()); err != nil {
		return nil, err
	}
	out := make([]AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditLogEntry{ID: r.ID, Timestamp: r.Timestamp, Action: r.Action, Details: r.Details})
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *bunStore) Close() error {
	return s.db.Close()
}
