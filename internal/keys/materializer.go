// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/keywarden/keywarden/internal/deploy"
	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/registry"
)

// Materializer recomputes per-host authorized sets from the graph's merged
// state and pushes changed artifacts to the deployment sink. Refreshes are
// serialized per host; distinct hosts proceed fully in parallel.
type Materializer struct {
	cfg   graph.Config
	view  graph.View
	store registry.Store
	sink  deploy.Sink

	// artifactDir, when set, receives a local copy of every rendered key
	// file (<dir>/<hostname>.keys) for operator inspection.
	artifactDir string

	mu      sync.Mutex
	hostMus map[string]*sync.Mutex
}

// NewMaterializer wires a materializer to its graph view, registry and sink.
func NewMaterializer(cfg graph.Config, view graph.View, store registry.Store, sink deploy.Sink, artifactDir string) *Materializer {
	return &Materializer{
		cfg:         cfg,
		view:        view,
		store:       store,
		sink:        sink,
		artifactDir: artifactDir,
		hostMus:     make(map[string]*sync.Mutex),
	}
}

// EnsureArtifactDir creates the local artifact directory if one is
// configured. Called once at startup so the first refresh never races a
// missing directory.
func (m *Materializer) EnsureArtifactDir() error {
	if m.artifactDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.artifactDir, 0o700); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return nil
}

// hostMu returns the per-host lock, creating it on first use.
func (m *Materializer) hostMu(hostname string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.hostMus[hostname]
	if !ok {
		mu = &sync.Mutex{}
		m.hostMus[hostname] = mu
	}
	return mu
}

// AuthorizedPrincipals computes the current authorized set for a host:
// team members holding an open grant on the host's label. SshAdmin or
// SshUser roles only annotate the access level; they never gate inclusion.
func (m *Materializer) AuthorizedPrincipals(ctx context.Context, host model.Host) ([]Principal, error) {
	holders, err := m.view.LabelHolders(ctx, host.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to list label holders for %s: %w", host.Hostname, err)
	}

	var principals []Principal
	for _, id := range holders {
		member, err := m.view.IsMember(ctx, id)
		if err != nil {
			return nil, err
		}
		if !member {
			continue
		}
		kb, ok, err := m.view.KeyBundle(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		level := model.AccessRead
		if admin, err := m.view.HasRole(ctx, id, m.cfg.AdminRole); err != nil {
			return nil, err
		} else if admin {
			level = model.AccessAdmin
		}
		principals = append(principals, Principal{Device: id, Keys: kb, Level: level})
	}
	return principals, nil
}

// RefreshHost recomputes one host's key file and redeploys it when the
// content actually changed. Unchanged content is skipped on the hash, so
// repeated refreshes deploy at most once.
func (m *Materializer) RefreshHost(ctx context.Context, hostname string) error {
	host, err := m.store.HostByName(hostname)
	if err != nil {
		return fmt.Errorf("failed to look up host %q: %w", hostname, err)
	}
	if host == nil {
		return fmt.Errorf("unknown host %q: no label binding in registry", hostname)
	}
	return m.refresh(ctx, *host)
}

func (m *Materializer) refresh(ctx context.Context, host model.Host) error {
	mu := m.hostMu(host.Hostname)
	mu.Lock()
	defer mu.Unlock()

	principals, err := m.AuthorizedPrincipals(ctx, host)
	if err != nil {
		return err
	}

	artifact := NewArtifact(host.Hostname, BuildAuthorizedKeysContent(host.Hostname, principals))

	deployed, err := m.store.DeployedHash(host.Hostname)
	if err != nil {
		return fmt.Errorf("failed to read deploy state for %s: %w", host.Hostname, err)
	}
	if deployed == artifact.Hash {
		logging.Debugf("keys: %s unchanged (hash %.12s), skipping deploy", host.Hostname, artifact.Hash)
		return nil
	}

	if m.artifactDir != "" {
		if err := m.writeLocalArtifact(artifact); err != nil {
			return err
		}
	}

	if err := m.sink.Deploy(ctx, artifact); err != nil {
		return err
	}

	if err := m.store.SetDeployedHash(host.Hostname, artifact.Hash); err != nil {
		return fmt.Errorf("deployed %s but failed to record hash: %w", host.Hostname, err)
	}
	logging.Infof("keys: deployed %s (%d principals, hash %.12s)", host.Hostname, len(principals), artifact.Hash)
	return nil
}

// writeLocalArtifact mirrors the rendered file under the artifact
// directory, atomically.
func (m *Materializer) writeLocalArtifact(artifact model.KeyFileArtifact) error {
	if err := os.MkdirAll(m.artifactDir, 0o700); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp := filepath.Join(m.artifactDir, artifact.Hostname+".keys.tmp")
	if err := os.WriteFile(tmp, []byte(artifact.Content), 0o600); err != nil {
		return fmt.Errorf("failed to write artifact for %s: %w", artifact.Hostname, err)
	}
	final := filepath.Join(m.artifactDir, artifact.Hostname+".keys")
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move artifact for %s into place: %w", artifact.Hostname, err)
	}
	return nil
}

// Drift is the audit outcome for one host: the expected render next to
// what the sink actually has installed.
type Drift struct {
	Hostname string
	Expected string
	Actual   string
}

// InSync reports whether the installed file matches the expected render.
func (d Drift) InSync() bool { return d.Expected == d.Actual }

// AuditHost compares a host's expected key file against the content the
// sink reads back from the target. The recorded deploy hash is deliberately
// not consulted, so an out-of-band edit on the host is caught even when
// the hash is current. The configured sink must support reading back
// (deploy.Fetcher).
func (m *Materializer) AuditHost(ctx context.Context, hostname string) (Drift, error) {
	fetcher, ok := m.sink.(deploy.Fetcher)
	if !ok {
		return Drift{}, fmt.Errorf("configured sink cannot read back deployed key files")
	}

	host, err := m.store.HostByName(hostname)
	if err != nil {
		return Drift{}, fmt.Errorf("failed to look up host %q: %w", hostname, err)
	}
	if host == nil {
		return Drift{}, fmt.Errorf("unknown host %q: no label binding in registry", hostname)
	}

	principals, err := m.AuthorizedPrincipals(ctx, *host)
	if err != nil {
		return Drift{}, err
	}
	expected := BuildAuthorizedKeysContent(host.Hostname, principals)

	actual, err := fetcher.FetchAuthorizedKeys(ctx, host.Hostname)
	if err != nil {
		return Drift{}, err
	}
	return Drift{Hostname: host.Hostname, Expected: expected, Actual: string(actual)}, nil
}

// RefreshAll refreshes every host in the registry. A failure on one host
// never aborts the others; per-host failures are joined and returned
// together.
func (m *Materializer) RefreshAll(ctx context.Context) error {
	hosts, err := m.store.AllHosts()
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, host := range hosts {
		wg.Add(1)
		go func(host model.Host) {
			defer wg.Done()
			if err := m.refresh(ctx, host); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(host)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// RefreshLabels refreshes only the hosts bound to the given labels. Labels
// without a binding are skipped: an unbound derived label means the host
// was never enrolled here, so there is nothing to materialize.
func (m *Materializer) RefreshLabels(ctx context.Context, labels []model.Label) error {
	var errs []error
	for _, l := range labels {
		host, err := m.store.HostByLabel(l)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve %s: %w", l, err))
			continue
		}
		if host == nil {
			logging.Debugf("keys: no host bound to %s, skipping", l)
			continue
		}
		if err := m.refresh(ctx, *host); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
