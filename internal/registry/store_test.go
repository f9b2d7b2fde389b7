// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package registry

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBindHost_IdempotentAndCollisionChecked(t *testing.T) {
	st := newTestStore(t)

	h1, err := st.BindHost("db1", 2187)
	if err != nil {
		t.Fatalf("BindHost failed: %v", err)
	}
	if h1.Hostname != "db1" || h1.Label != 2187 {
		t.Fatalf("unexpected binding: %+v", h1)
	}

	// Same pair again: idempotent, returns the existing binding.
	h2, err := st.BindHost("db1", 2187)
	if err != nil {
		t.Fatalf("idempotent BindHost failed: %v", err)
	}
	if h2.ID != h1.ID {
		t.Fatalf("idempotent BindHost created a new row: %d vs %d", h2.ID, h1.ID)
	}

	// Label held by another hostname: collision.
	if _, err := st.BindHost("db2", 2187); !errors.Is(err, ErrLabelCollision) {
		t.Fatalf("label collision: err=%v, want ErrLabelCollision", err)
	}

	// Hostname re-bound under a different label: refused, never remapped.
	if _, err := st.BindHost("db1", 2999); !errors.Is(err, ErrLabelCollision) {
		t.Fatalf("hostname re-binding: err=%v, want ErrLabelCollision", err)
	}
}

func TestHostLookups(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	if _, err := st.BindHost("web1", 2500); err != nil {
		t.Fatal(err)
	}

	byName, err := st.HostByName("db1")
	if err != nil || byName == nil || byName.Label != 2187 {
		t.Fatalf("HostByName(db1) = %+v, %v", byName, err)
	}
	if unknown, err := st.HostByName("nope"); err != nil || unknown != nil {
		t.Fatalf("HostByName(nope) = %+v, %v, want nil", unknown, err)
	}

	byLabel, err := st.HostByLabel(2500)
	if err != nil || byLabel == nil || byLabel.Hostname != "web1" {
		t.Fatalf("HostByLabel(2500) = %+v, %v", byLabel, err)
	}
	if unbound, err := st.HostByLabel(2001); err != nil || unbound != nil {
		t.Fatalf("HostByLabel(2001) = %+v, %v, want nil", unbound, err)
	}

	all, err := st.AllHosts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Hostname != "db1" || all[1].Hostname != "web1" {
		t.Fatalf("AllHosts = %+v, want db1 then web1", all)
	}
}

func TestDeployState(t *testing.T) {
	st := newTestStore(t)

	hash, err := st.DeployedHash("db1")
	if err != nil || hash != "" {
		t.Fatalf("DeployedHash before any deploy = %q, %v", hash, err)
	}

	if err := st.SetDeployedHash("db1", "aaa111"); err != nil {
		t.Fatalf("SetDeployedHash failed: %v", err)
	}
	if hash, _ := st.DeployedHash("db1"); hash != "aaa111" {
		t.Fatalf("DeployedHash = %q, want aaa111", hash)
	}

	// Overwrite for the same host.
	if err := st.SetDeployedHash("db1", "bbb222"); err != nil {
		t.Fatalf("second SetDeployedHash failed: %v", err)
	}
	if hash, _ := st.DeployedHash("db1"); hash != "bbb222" {
		t.Fatalf("DeployedHash after update = %q, want bbb222", hash)
	}
}

func TestKnownHostKeys(t *testing.T) {
	st := newTestStore(t)

	if key, err := st.KnownHostKey("db1"); err != nil || key != "" {
		t.Fatalf("KnownHostKey before trust = %q, %v", key, err)
	}
	if err := st.TrustHostKey("db1", "ssh-ed25519 AAAAfirst\n"); err != nil {
		t.Fatalf("TrustHostKey failed: %v", err)
	}
	if key, _ := st.KnownHostKey("db1"); key != "ssh-ed25519 AAAAfirst\n" {
		t.Fatalf("KnownHostKey = %q", key)
	}

	// Re-pinning replaces the key for re-provisioned hosts.
	if err := st.TrustHostKey("db1", "ssh-ed25519 AAAAsecond\n"); err != nil {
		t.Fatalf("re-pinning failed: %v", err)
	}
	if key, _ := st.KnownHostKey("db1"); key != "ssh-ed25519 AAAAsecond\n" {
		t.Fatalf("KnownHostKey after re-pin = %q", key)
	}
}

func TestAuditLog(t *testing.T) {
	st := newTestStore(t)

	if err := st.LogAction("ADD_USER", "device: abc"); err != nil {
		t.Fatalf("LogAction failed: %v", err)
	}
	if err := st.LogAction("GRANT_HOST", "device: abc, host: db1"); err != nil {
		t.Fatalf("LogAction failed: %v", err)
	}

	entries, err := st.AllAuditLogEntries()
	if err != nil {
		t.Fatalf("AllAuditLogEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}
	// Most recent first.
	if entries[0].Action != "GRANT_HOST" || entries[1].Action != "ADD_USER" {
		t.Fatalf("unexpected audit order: %s then %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("audit entry has zero timestamp")
	}
}

func TestImportHosts(t *testing.T) {
	st := newTestStore(t)
	cfg := graph.DefaultConfig()

	input := strings.NewReader(`# production fleet
db1
db2

web-prod-1
`)
	bound, skipped, err := ImportHosts(st, cfg, input)
	if err != nil {
		t.Fatalf("ImportHosts failed: %v", err)
	}
	if bound != 3 || skipped != 0 {
		t.Fatalf("bound=%d skipped=%d, want 3/0", bound, skipped)
	}

	host, err := st.HostByName("db1")
	if err != nil || host == nil {
		t.Fatalf("db1 not bound after import: %v", err)
	}
	if host.Label != model.Label(2187) {
		t.Fatalf("db1 bound to %d, want derived 2187", host.Label)
	}

	// Re-import: everything already bound is skipped.
	input = strings.NewReader("db1\ndb2\nweb-prod-1\n")
	bound, skipped, err = ImportHosts(st, cfg, input)
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if bound != 0 || skipped != 3 {
		t.Fatalf("re-import bound=%d skipped=%d, want 0/3", bound, skipped)
	}
}

func TestBackupRoundtrip(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	if err := st.SetDeployedHash("db1", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := st.TrustHostKey("db1", "ssh-ed25519 AAAA\n"); err != nil {
		t.Fatal(err)
	}
	if err := st.LogAction("TEST", "roundtrip"); err != nil {
		t.Fatal(err)
	}

	data, err := st.ExportDataForBackup()
	if err != nil {
		t.Fatalf("ExportDataForBackup failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteBackup(data, &buf); err != nil {
		t.Fatalf("WriteBackup failed: %v", err)
	}
	restoredData, err := ReadBackup(&buf)
	if err != nil {
		t.Fatalf("ReadBackup failed: %v", err)
	}

	// Restore into a fresh store.
	fresh := newTestStore(t)
	if err := fresh.ImportDataFromBackup(restoredData); err != nil {
		t.Fatalf("ImportDataFromBackup failed: %v", err)
	}

	host, err := fresh.HostByName("db1")
	if err != nil || host == nil || host.Label != 2187 {
		t.Fatalf("host not restored: %+v, %v", host, err)
	}
	if hash, _ := fresh.DeployedHash("db1"); hash != "hash1" {
		t.Fatalf("deploy state not restored: %q", hash)
	}
	if key, _ := fresh.KnownHostKey("db1"); key != "ssh-ed25519 AAAA\n" {
		t.Fatalf("known host not restored: %q", key)
	}
	entries, _ := fresh.AllAuditLogEntries()
	if len(entries) == 0 {
		t.Fatal("audit log not restored")
	}
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		in      error
		wantDup bool
	}{
		{errors.New("UNIQUE constraint failed: hosts.hostname"), true},
		{errors.New("Error 1062: Duplicate entry"), true},
		{errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"), true},
		{errors.New("connection refused"), false},
		{nil, false},
	}
	for _, tt := range tests {
		got := MapDBError(tt.in)
		if tt.wantDup && !errors.Is(got, ErrDuplicate) {
			t.Errorf("MapDBError(%v) = %v, want ErrDuplicate", tt.in, got)
		}
		if !tt.wantDup && errors.Is(got, ErrDuplicate) {
			t.Errorf("MapDBError(%v) unexpectedly mapped to ErrDuplicate", tt.in)
		}
	}
}
