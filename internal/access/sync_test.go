// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package access

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/keys"
	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/testutil"
)

func newLoop(f *fixture) *SyncLoop {
	return &SyncLoop{
		cfg:    f.cfg,
		client: f.mem,
		mat:    f.mat,
		addr:   "peer:4321",
	}
}

func TestReconcile_EmptySyncHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	l := newLoop(f)

	if err := l.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got := f.sink.DeployCount("db1"); got != 0 {
		t.Fatalf("empty sync deployed %d times", got)
	}
}

func TestReconcile_TargetedRefreshForHostLabelEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := newLoop(f)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db2"); err != nil {
		t.Fatal(err)
	}

	// A remote admin granted bob access to db1 only.
	bundle := testutil.Bundle("bob")
	db1, _ := f.store.HostByName("db1")
	bob := injectRemoteMember(f, bundle)
	f.mem.InjectRemote(graph.LabelAssigned{Device: bob, Label: db1.Label, Op: model.ChanOpOpen})

	db1Before := f.sink.DeployCount("db1")
	db2Before := f.sink.DeployCount("db2")

	if err := l.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// MemberAdded carries no label scope, so this sync still takes the
	// full-refresh path; db2's unchanged content is hash-skipped.
	if got := f.sink.DeployCount("db1"); got != db1Before+1 {
		t.Fatalf("db1 deploy count = %d, want %d", got, db1Before+1)
	}
	if got := f.sink.DeployCount("db2"); got != db2Before {
		t.Fatalf("db2 redeployed without content change: %d vs %d", f.sink.DeployCount("db2"), db2Before)
	}
}

func TestReconcile_LabelOnlyEffectsRefreshJustThatHost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := newLoop(f)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := f.mgr.AddUser(ctx, testutil.Bundle("bob"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db2"); err != nil {
		t.Fatal(err)
	}

	db1, _ := f.store.HostByName("db1")
	f.mem.InjectRemote(graph.LabelAssigned{Device: bob, Label: db1.Label, Op: model.ChanOpOpen})

	if err := l.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	content := f.sink.LastContent("db1")
	if !strings.Contains(content, "AAAAbob") {
		t.Fatalf("db1 missing bob after remote grant:\n%s", content)
	}
	if strings.Contains(f.sink.LastContent("db2"), "AAAAbob") {
		t.Fatal("db2 picked up a grant scoped to db1")
	}
}

func TestReconcile_TransportLabelEffectsAreIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := newLoop(f)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}
	before := f.sink.DeployCount("db1")

	// Transport grants gate nothing at the host level.
	f.mem.InjectRemote(graph.LabelAssigned{Device: alice, Label: f.cfg.TransportLabel, Op: model.ChanOpOpen})

	if err := l.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got := f.sink.DeployCount("db1"); got != before {
		t.Fatalf("transport-only sync touched db1: %d vs %d", got, before)
	}
}

func TestReconcile_MemberRemovalForcesFullRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := newLoop(f)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db2"); err != nil {
		t.Fatal(err)
	}

	f.mem.InjectRemote(graph.MemberRemoved{Device: alice})

	if err := l.reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	for _, host := range []string{"db1", "db2"} {
		if strings.Contains(f.sink.LastContent(host), "AAAAalice") {
			t.Fatalf("%s still authorizes remotely removed member", host)
		}
	}
}

func TestSyncLoop_StartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}

	bob := injectRemoteMember(f, testutil.Bundle("bob"))
	db1, _ := f.store.HostByName("db1")
	f.mem.InjectRemote(graph.LabelAssigned{Device: bob, Label: db1.Label, Op: model.ChanOpOpen})

	f.mgr.StartSyncLoop(5 * time.Millisecond)
	// Starting again while running is a no-op, not a second loop.
	f.mgr.StartSyncLoop(5 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for !strings.Contains(f.sink.LastContent("db1"), "AAAAbob") {
		select {
		case <-deadline:
			t.Fatal("loop never reconciled the remote grant")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.mgr.StopSyncLoop()
	// Stopping twice must not panic or hang.
	f.mgr.StopSyncLoop()
}

// gateSink blocks inside Deploy until released and then fails if the
// deployment context was cancelled, the way a ctx-honoring sink would.
type gateSink struct {
	inner   *testutil.RecordingSink
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Deploy(ctx context.Context, artifact model.KeyFileArtifact) error {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.inner.Deploy(ctx, artifact)
}

// Stop must not cancel a reconciliation that is already deploying; the
// in-flight pass runs to completion with a live context.
func TestSyncLoop_StopLetsInFlightReconciliationFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alice, err := f.mgr.AddUser(ctx, testutil.Bundle("alice"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.GrantHostAccess(ctx, alice, "db1"); err != nil {
		t.Fatal(err)
	}

	bob := injectRemoteMember(f, testutil.Bundle("bob"))
	db1, _ := f.store.HostByName("db1")
	f.mem.InjectRemote(graph.LabelAssigned{Device: bob, Label: db1.Label, Op: model.ChanOpOpen})

	gs := &gateSink{
		inner:   testutil.NewRecordingSink(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	mat := keys.NewMaterializer(f.cfg, f.mem, f.store, gs, "")
	loop := startSyncLoop(f.cfg, f.mem, mat, "peer:4321", 5*time.Millisecond)

	select {
	case <-gs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started deploying")
	}

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		close(stopped)
	}()

	// Stop must wait for the blocked deployment, not return early.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a deployment was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the deployment finished")
	}

	if !strings.Contains(gs.inner.LastContent("db1"), "AAAAbob") {
		t.Fatalf("in-flight deployment was aborted:\n%s", gs.inner.LastContent("db1"))
	}
}

// injectRemoteMember queues a remote MemberAdded and returns the identity
// it will carry.
func injectRemoteMember(f *fixture, bundle model.KeyBundle) model.DeviceID {
	effects, err := graph.NewMemory().AddMember(context.Background(), bundle)
	if err != nil {
		panic(err)
	}
	id, _ := graph.MemberAddedDevice(effects)
	f.mem.InjectRemote(graph.MemberAdded{Device: id, Keys: bundle})
	return id
}

