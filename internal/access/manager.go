// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/keys"
	"github.com/keywarden/keywarden/internal/label"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/registry"
)

// Manager is the administrative entry point of the pipeline. Every
// operation issues one or more graph actions; because the graph has no
// multi-action transactions, a failure leaves a documented, observable
// partial state and each step is idempotent so retries complete cleanly.
// Manager methods are safe for concurrent use.
type Manager struct {
	cfg    graph.Config
	client graph.Client
	view   graph.View
	store  registry.Store
	mat    *keys.Materializer

	// syncAddr is the peer the reconciliation loop pulls from.
	syncAddr string

	loopMu sync.Mutex
	loop   *SyncLoop
}

// NewManager wires an access manager to its collaborators.
func NewManager(cfg graph.Config, client graph.Client, view graph.View, store registry.Store, mat *keys.Materializer, syncAddr string) *Manager {
	return &Manager{
		cfg:      cfg,
		client:   client,
		view:     view,
		store:    store,
		mat:      mat,
		syncAddr: syncAddr,
	}
}

// Initialize idempotently prepares the pipeline: the well-known transport
// label is defined (defining an already-defined label is success) and the
// artifact directory is created. Safe to call any number of times.
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.client.DefineLabel(ctx, m.cfg.TransportLabel); err != nil {
		return graphErr("define_label", err)
	}
	if err := m.mat.EnsureArtifactDir(); err != nil {
		return err
	}
	logging.Debugf("access: initialized (transport %s)", m.cfg.TransportLabel)
	return nil
}

// AddUser onboards a principal: team membership, the SshAdmin or SshUser
// role, and an open grant on the transport label, followed by a full key
// refresh. New users hold no host grants; access is granted explicitly per
// host. The minted identity is returned even when a later step failed, so
// callers can retry or roll the principal back.
func (m *Manager) AddUser(ctx context.Context, bundle model.KeyBundle, isAdmin bool) (model.DeviceID, error) {
	effects, err := m.client.AddMember(ctx, bundle)
	if err != nil {
		return model.DeviceID{}, graphErr("add_member", err)
	}

	id, ok := graph.MemberAddedDevice(effects)
	if !ok {
		return model.DeviceID{}, fmt.Errorf("add_member effects carried no identity: %w", ErrMissingIdentity)
	}

	role := m.cfg.UserRole
	if isAdmin {
		role = m.cfg.AdminRole
	}
	if _, err := m.client.AssignRole(ctx, id, role); err != nil {
		return id, graphErr("assign_role", err)
	}
	if _, err := m.client.AssignLabel(ctx, id, m.cfg.TransportLabel, model.ChanOpOpen); err != nil {
		return id, graphErr("assign_label", err)
	}

	_ = m.store.LogAction("ADD_USER", fmt.Sprintf("device: %s, admin: %t", id, isAdmin))

	if err := m.mat.RefreshAll(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// holdsSSHRole reports whether the principal currently holds either SSH
// role. Role possession gates new host grants; label possession alone
// gates host access during materialization.
func (m *Manager) holdsSSHRole(ctx context.Context, id model.DeviceID) (bool, error) {
	admin, err := m.view.HasRole(ctx, id, m.cfg.AdminRole)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	return m.view.HasRole(ctx, id, m.cfg.UserRole)
}

// RemoveUser offboards a principal. Label and roles are revoked before
// membership is removed so a partially-removed principal is never observed
// as still fully authorized; every step is a no-op when already done, so a
// failed removal can simply be retried. Removing a principal the graph
// does not know as a current member fails with graph.ErrUnknownMember.
func (m *Manager) RemoveUser(ctx context.Context, id model.DeviceID) error {
	member, err := m.view.IsMember(ctx, id)
	if err != nil {
		return graphErr("query_member", err)
	}
	if !member {
		return fmt.Errorf("principal %s: %w", id, graph.ErrUnknownMember)
	}

	if _, err := m.client.RevokeLabel(ctx, id, m.cfg.TransportLabel); err != nil {
		return graphErr("revoke_label", err)
	}
	if _, err := m.client.RevokeRole(ctx, id, m.cfg.UserRole); err != nil {
		return graphErr("revoke_role", err)
	}
	if _, err := m.client.RevokeRole(ctx, id, m.cfg.AdminRole); err != nil {
		return graphErr("revoke_role", err)
	}
	if _, err := m.client.RemoveMember(ctx, id); err != nil {
		return graphErr("remove_member", err)
	}

	_ = m.store.LogAction("REMOVE_USER", fmt.Sprintf("device: %s", id))

	return m.mat.RefreshAll(ctx)
}

// GrantHostAccess opens the host's derived label for the principal,
// binding the label on first use, and refreshes just that host. Granting
// access the principal already holds is a no-op on the graph and the
// unchanged content hash keeps the sink untouched.
func (m *Manager) GrantHostAccess(ctx context.Context, id model.DeviceID, hostname string) error {
	member, err := m.view.IsMember(ctx, id)
	if err != nil {
		return graphErr("query_member", err)
	}
	if !member {
		return fmt.Errorf("principal %s is not a team member: %w", id, ErrMissingIdentity)
	}
	authorized, err := m.holdsSSHRole(ctx, id)
	if err != nil {
		return graphErr("query_role", err)
	}
	if !authorized {
		return fmt.Errorf("principal %s: %w", id, ErrRoleRequired)
	}

	hostLabel := label.Derive(m.cfg, hostname)
	host, err := m.store.BindHost(hostname, hostLabel)
	if err != nil {
		return err
	}

	if _, err := m.client.DefineLabel(ctx, host.Label); err != nil {
		return graphErr("define_label", err)
	}
	if _, err := m.client.AssignLabel(ctx, id, host.Label, model.ChanOpOpen); err != nil {
		return graphErr("assign_label", err)
	}

	_ = m.store.LogAction("GRANT_HOST", fmt.Sprintf("device: %s, host: %s", id, hostname))

	return m.mat.RefreshHost(ctx, hostname)
}

// RevokeHostAccess withdraws the principal's grant on the host's label and
// refreshes that host. Revoking access that was never granted is a no-op,
// including for hosts that were never bound at all.
func (m *Manager) RevokeHostAccess(ctx context.Context, id model.DeviceID, hostname string) error {
	host, err := m.store.HostByName(hostname)
	if err != nil {
		return fmt.Errorf("failed to look up host %q: %w", hostname, err)
	}
	if host == nil {
		// Never bound: nothing was ever granted for this host.
		return nil
	}

	if _, err := m.client.RevokeLabel(ctx, id, host.Label); err != nil {
		return graphErr("revoke_label", err)
	}

	_ = m.store.LogAction("REVOKE_HOST", fmt.Sprintf("device: %s, host: %s", id, hostname))

	return m.mat.RefreshHost(ctx, hostname)
}

// StartSyncLoop spawns the background reconciliation loop and returns
// immediately. Errors inside the loop are logged, never propagated; the
// loop survives transient failures indefinitely. Calling StartSyncLoop
// while a loop is running is a no-op.
func (m *Manager) StartSyncLoop(interval time.Duration) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loop != nil {
		return
	}
	m.loop = startSyncLoop(m.cfg, m.client, m.mat, m.syncAddr, interval)
}

// StopSyncLoop shuts the loop down gracefully: no new ticks are delivered
// and an in-flight reconciliation runs to completion before this returns.
func (m *Manager) StopSyncLoop() {
	m.loopMu.Lock()
	loop := m.loop
	m.loop = nil
	m.loopMu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}
