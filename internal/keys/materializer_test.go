// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/registry"
	"github.com/keywarden/keywarden/internal/testutil"
)

type matFixture struct {
	cfg   graph.Config
	mem   *graph.Memory
	sink  *testutil.RecordingSink
	mat   *Materializer
	store registry.Store
}

func newMatFixture(t *testing.T, artifactDir string) *matFixture {
	t.Helper()
	cfg := graph.DefaultConfig()
	mem := graph.NewMemory()
	store := testutil.OpenStore(t)
	sink := testutil.NewRecordingSink()
	return &matFixture{
		cfg:   cfg,
		mem:   mem,
		sink:  sink,
		mat:   NewMaterializer(cfg, mem, store, sink, artifactDir),
		store: store,
	}
}

// enroll adds a member with an open grant on the host label and returns
// the minted identity.
func (f *matFixture) enroll(t *testing.T, name string, label model.Label) model.DeviceID {
	t.Helper()
	ctx := context.Background()
	effects, err := f.mem.AddMember(ctx, testutil.Bundle(name))
	if err != nil {
		t.Fatal(err)
	}
	id, ok := graph.MemberAddedDevice(effects)
	if !ok {
		t.Fatal("no identity minted")
	}
	if _, err := f.mem.DefineLabel(ctx, label); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mem.AssignLabel(ctx, id, label, model.ChanOpOpen); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRefreshHost_DeploysOnceAndSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newMatFixture(t, "")

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	f.enroll(t, "alice", 2187)

	if err := f.mat.RefreshHost(ctx, "db1"); err != nil {
		t.Fatalf("RefreshHost failed: %v", err)
	}
	if got := f.sink.DeployCount("db1"); got != 1 {
		t.Fatalf("deploy count = %d, want 1", got)
	}
	if !strings.Contains(f.sink.LastContent("db1"), "AAAAalice") {
		t.Fatalf("alice's key missing:\n%s", f.sink.LastContent("db1"))
	}

	// Unchanged content: the hash short-circuits the sink.
	for i := 0; i < 3; i++ {
		if err := f.mat.RefreshHost(ctx, "db1"); err != nil {
			t.Fatalf("repeat RefreshHost failed: %v", err)
		}
	}
	if got := f.sink.DeployCount("db1"); got != 1 {
		t.Fatalf("deploy count after unchanged refreshes = %d, want 1", got)
	}
}

func TestRefreshHost_UnknownHost(t *testing.T) {
	f := newMatFixture(t, "")
	if err := f.mat.RefreshHost(context.Background(), "ghost"); err == nil {
		t.Fatal("refreshing an unbound host should fail")
	}
}

func TestRefreshHost_WritesLocalArtifact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newMatFixture(t, dir)

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	f.enroll(t, "alice", 2187)

	if err := f.mat.RefreshHost(ctx, "db1"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "db1.keys"))
	if err != nil {
		t.Fatalf("local artifact missing: %v", err)
	}
	if string(data) != f.sink.LastContent("db1") {
		t.Fatal("local artifact differs from deployed content")
	}
}

func TestRefreshAll_CollectsPerHostFailures(t *testing.T) {
	ctx := context.Background()
	f := newMatFixture(t, "")

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.BindHost("db2", 2188); err != nil {
		t.Fatal(err)
	}
	f.enroll(t, "alice", 2187)
	f.enroll(t, "bob", 2188)

	f.sink.Fail["db1"] = errors.New("connection refused")

	err := f.mat.RefreshAll(ctx)
	if err == nil {
		t.Fatal("expected an aggregate error for the failing host")
	}
	// The healthy host still deployed.
	if got := f.sink.DeployCount("db2"); got != 1 {
		t.Fatalf("db2 deploy count = %d, want 1 despite db1 failing", got)
	}
	if got := f.sink.DeployCount("db1"); got != 0 {
		t.Fatalf("db1 deploy count = %d, want 0", got)
	}

	// Clearing the failure and retrying converges; db2 is hash-skipped.
	delete(f.sink.Fail, "db1")
	if err := f.mat.RefreshAll(ctx); err != nil {
		t.Fatalf("retry RefreshAll failed: %v", err)
	}
	if f.sink.DeployCount("db1") != 1 || f.sink.DeployCount("db2") != 1 {
		t.Fatalf("deploy counts after retry = %d/%d, want 1/1",
			f.sink.DeployCount("db1"), f.sink.DeployCount("db2"))
	}
}

func TestRefreshLabels_SkipsUnboundLabels(t *testing.T) {
	ctx := context.Background()
	f := newMatFixture(t, "")

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	f.enroll(t, "alice", 2187)

	// 2999 has no binding; only db1's label does anything.
	if err := f.mat.RefreshLabels(ctx, []model.Label{2187, 2999}); err != nil {
		t.Fatalf("RefreshLabels failed: %v", err)
	}
	if got := f.sink.DeployCount("db1"); got != 1 {
		t.Fatalf("db1 deploy count = %d, want 1", got)
	}
}

func TestAuditHost_DetectsOutOfBandEdits(t *testing.T) {
	ctx := context.Background()
	f := newMatFixture(t, "")

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	f.enroll(t, "alice", 2187)
	if err := f.mat.RefreshHost(ctx, "db1"); err != nil {
		t.Fatal(err)
	}

	d, err := f.mat.AuditHost(ctx, "db1")
	if err != nil {
		t.Fatalf("AuditHost failed: %v", err)
	}
	if !d.InSync() {
		t.Fatalf("freshly deployed host reported as drifted:\nexpected:\n%s\nactual:\n%s", d.Expected, d.Actual)
	}

	// An edit on the target is drift even though the recorded deploy hash
	// is still current.
	f.sink.Tamper("db1", d.Actual+"ssh-ed25519 AAAArogue rogue@nowhere\n")
	d, err = f.mat.AuditHost(ctx, "db1")
	if err != nil {
		t.Fatal(err)
	}
	if d.InSync() {
		t.Fatal("tampered host reported as in sync")
	}
	if !strings.Contains(d.Actual, "AAAArogue") {
		t.Fatalf("audit did not surface the rogue key:\n%s", d.Actual)
	}
}

func TestAuditHost_UnknownHost(t *testing.T) {
	f := newMatFixture(t, "")
	if _, err := f.mat.AuditHost(context.Background(), "ghost"); err == nil {
		t.Fatal("auditing an unbound host should fail")
	}
}

func TestAuthorizedPrincipals_MembershipAndRoles(t *testing.T) {
	ctx := context.Background()
	f := newMatFixture(t, "")

	if _, err := f.store.BindHost("db1", 2187); err != nil {
		t.Fatal(err)
	}
	alice := f.enroll(t, "alice", 2187)
	bob := f.enroll(t, "bob", 2187)
	if _, err := f.mem.AssignRole(ctx, alice, f.cfg.AdminRole); err != nil {
		t.Fatal(err)
	}

	// A removed member's lingering grant must not authorize access.
	if _, err := f.mem.RemoveMember(ctx, bob); err != nil {
		t.Fatal(err)
	}

	principals, err := f.mat.AuthorizedPrincipals(ctx, model.Host{Hostname: "db1", Label: 2187})
	if err != nil {
		t.Fatalf("AuthorizedPrincipals failed: %v", err)
	}
	if len(principals) != 1 {
		t.Fatalf("got %d principals, want only alice", len(principals))
	}
	if principals[0].Device != alice {
		t.Fatalf("principal = %s, want alice %s", principals[0].Device, alice)
	}
	if principals[0].Level != model.AccessAdmin {
		t.Fatalf("alice's level = %s, want admin", principals[0].Level)
	}
}
