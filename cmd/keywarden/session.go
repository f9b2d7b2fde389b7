// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keywarden/keywarden/internal/access"
	"github.com/keywarden/keywarden/internal/config"
	"github.com/keywarden/keywarden/internal/deploy"
	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/i18n"
	"github.com/keywarden/keywarden/internal/keys"
	"github.com/keywarden/keywarden/internal/logging"
	"github.com/keywarden/keywarden/internal/registry"
	"github.com/keywarden/keywarden/internal/state"
)

// session wires the full pipeline for one command invocation: registry,
// graph state, materializer and access manager. Local mode persists the
// graph snapshot back to disk on close so state carries across commands.
type session struct {
	cfg   config.Config
	gcfg  graph.Config
	store registry.Store
	mem   *graph.Memory
	mat   *keys.Materializer
	mgr   *access.Manager
}

// openSession loads configuration and assembles the pipeline. The sink is
// a local directory when deploy.artifact-only mode is requested via
// --local-dir, otherwise the SSH/SFTP sink with registry-pinned host keys.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadConfig(cmd, &cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.SetDebug(cfg.Verbose)
	i18n.Init(cfg.Language)

	store, err := registry.New(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open host registry: %w", err)
	}

	mem, err := graph.LoadMemoryFile(cfg.Graph.StatePath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sink, err := buildSink(cmd, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gcfg := graph.DefaultConfig()
	mat := keys.NewMaterializer(gcfg, mem, store, sink, cfg.Deploy.ArtifactDir)
	mgr := access.NewManager(gcfg, mem, mem, store, mat, cfg.Sync.PeerAddr)

	return &session{
		cfg:   cfg,
		gcfg:  gcfg,
		store: store,
		mem:   mem,
		mat:   mat,
		mgr:   mgr,
	}, nil
}

// close persists the graph snapshot and releases the registry. Errors on
// the snapshot matter more than errors on close: losing graph state is
// losing who has access.
func (s *session) close() error {
	saveErr := s.mem.SaveFile(s.cfg.Graph.StatePath)
	closeErr := s.store.Close()
	if saveErr != nil {
		logging.Errorf("failed to persist graph state: %v", saveErr)
		return saveErr
	}
	return closeErr
}

func buildSink(cmd *cobra.Command, cfg config.Config, store registry.Store) (deploy.Sink, error) {
	if localDir, _ := cmd.Flags().GetString("local-dir"); localDir != "" {
		return deploy.DirSink{Dir: localDir}, nil
	}

	var privateKey string
	if cfg.Deploy.KeyPath != "" {
		data, err := os.ReadFile(cfg.Deploy.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read deploy key %s: %w", cfg.Deploy.KeyPath, err)
		}
		privateKey = string(data)
	}

	return &deploy.SSHSink{
		User:       cfg.Deploy.User,
		PrivateKey: privateKey,
		Passphrase: passphrase,
		Keys:       store,
	}, nil
}

// passphrase returns the cached deploy key passphrase, prompting on the
// terminal the first time it is needed.
func passphrase() []byte {
	if pass := state.PasswordCache.Get(); pass != nil {
		return pass
	}
	fmt.Fprint(os.Stderr, i18n.T("prompt.passphrase"))
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logging.Errorf("failed to read passphrase: %v", err)
		return nil
	}
	state.PasswordCache.Set(pass)
	return pass
}

// syncInterval parses the configured poll interval, falling back to the
// default on a malformed value rather than refusing to start.
func (s *session) syncInterval() time.Duration {
	d, err := time.ParseDuration(s.cfg.Sync.Interval)
	if err != nil || d <= 0 {
		logging.Warnf("invalid sync interval %q, using 10s", s.cfg.Sync.Interval)
		return 10 * time.Second
	}
	return d
}
