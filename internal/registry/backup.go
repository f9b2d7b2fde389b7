// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ExportDataForBackup snapshots the registry inside one transaction so the
// backup is internally consistent.
func (s *bunStore) ExportDataForBackup() (*BackupData, error) {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var data BackupData

	var hosts []HostModel
	if err := tx.NewSelect().Model(&hosts).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export hosts: %w", err)
	}
	for _, h := range hosts {
		data.Hosts = append(data.Hosts, hostModelToModel(h))
	}

	var states []DeployStateModel
	if err := tx.NewSelect().Model(&states).Order("hostname ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export deploy state: %w", err)
	}
	for _, d := range states {
		data.DeployState = append(data.DeployState, DeployState{
			Hostname: d.Hostname, ContentHash: d.ContentHash, DeployedAt: d.DeployedAt,
		})
	}

	var known []KnownHostModel
	if err := tx.NewSelect().Model(&known).Order("hostname ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export known hosts: %w", err)
	}
	for _, k := range known {
		data.KnownHosts = append(data.KnownHosts, KnownHost{Hostname: k.Hostname, Key: k.Key})
	}

	var audit []AuditLogModel
	if err := tx.NewSelect().Model(&audit).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to export audit log: %w", err)
	}
	for _, a := range audit {
		data.AuditLog = append(data.AuditLog, AuditLogEntry{
			ID: a.ID, Timestamp: a.Timestamp, Action: a.Action, Details: a.Details,
		})
	}

	return &data, tx.Commit()
}

// ImportDataFromBackup restores the registry from a backup with a full
// wipe-and-replace inside a single transaction.
func (s *bunStore) ImportDataFromBackup(data *BackupData) error {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"hosts", "deploy_state", "known_hosts", "audit_log"} {
		if _, err := tx.NewRaw("DELETE FROM " + table).Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, h := range data.Hosts {
		m := HostModel{Hostname: h.Hostname, Label: int64(uint32(h.Label))}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore host %q: %w", h.Hostname, err)
		}
	}
	for _, d := range data.DeployState {
		m := DeployStateModel{Hostname: d.Hostname, ContentHash: d.ContentHash, DeployedAt: d.DeployedAt}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore deploy state for %q: %w", d.Hostname, err)
		}
	}
	for _, k := range data.KnownHosts {
		m := KnownHostModel{Hostname: k.Hostname, Key: k.Key}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore known host %q: %w", k.Hostname, err)
		}
	}
	for _, a := range data.AuditLog {
		m := AuditLogModel{Timestamp: a.Timestamp, Action: a.Action, Details: a.Details}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to restore audit entry: %w", err)
		}
	}

	return tx.Commit()
}

// WriteBackup writes zstd-compressed JSON backup data to w.
func WriteBackup(data *BackupData, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return nil
}

// ReadBackup reads a zstd-compressed JSON backup from r.
func ReadBackup(r io.Reader) (*BackupData, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &data, nil
}
