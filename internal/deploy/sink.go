// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package deploy distributes rendered authorized_keys artifacts to target
// hosts. The Sink interface is the pipeline's boundary with whatever
// installs the artifact (SSH, configuration management, or a plain
// directory copy); every implementation must be safe to call repeatedly
// with identical content.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keywarden/keywarden/internal/model"
)

// Sink installs a key-file artifact on its target host.
type Sink interface {
	Deploy(ctx context.Context, artifact model.KeyFileArtifact) error
}

// Fetcher is implemented by sinks that can read back the key file
// currently installed on a host, for drift audits against the expected
// render. A nil result with a nil error means no file is installed.
type Fetcher interface {
	FetchAuthorizedKeys(ctx context.Context, hostname string) ([]byte, error)
}

// DeployError tags a failure with the host it occurred on so refreshAll can
// surface per-host failures without suppressing the others.
type DeployError struct {
	Hostname string
	Err      error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy to %s failed: %v", e.Hostname, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// DirSink writes each artifact to <dir>/<hostname>.keys. The files are
// usable directly as SSH authorized_keys; operators point the directory at
// their own distribution tooling when no SSH sink is configured.
type DirSink struct {
	Dir string
}

// Deploy implements Sink. The write is atomic (temp file + rename) so a
// reader never observes a partially-written key file.
func (d DirSink) Deploy(ctx context.Context, artifact model.KeyFileArtifact) error {
	if err := os.MkdirAll(d.Dir, 0o700); err != nil {
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	final := filepath.Join(d.Dir, artifact.Hostname+".keys")
	tmp, err := os.CreateTemp(d.Dir, artifact.Hostname+".keys.tmp*")
	if err != nil {
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(artifact.Content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	return nil
}

// FetchAuthorizedKeys implements Fetcher by reading the host's key file
// from the directory. A missing file is a state (no keys installed), not
// an error.
func (d DirSink) FetchAuthorizedKeys(_ context.Context, hostname string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, hostname+".keys"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &DeployError{Hostname: hostname, Err: err}
	}
	return data, nil
}
