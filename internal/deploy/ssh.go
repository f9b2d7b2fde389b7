// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/keywarden/keywarden/internal/model"
)

// HostKeyStore resolves the pinned public key for a hostname. An empty
// string means the host has not been trusted yet.
type HostKeyStore interface {
	KnownHostKey(hostname string) (string, error)
}

// SSHSink deploys artifacts over SSH/SFTP using a dedicated deploy key,
// falling back to the local SSH agent when key auth is rejected. Host keys
// are pinned against the registry; an unknown or mismatched key aborts the
// deployment.
type SSHSink struct {
	// User is the remote account that owns the authorized_keys file.
	User string
	// PrivateKey is the PEM-encoded deploy key. May be empty when an agent
	// is expected to hold the key.
	PrivateKey string
	// Passphrase returns the deploy key passphrase, or nil for unencrypted
	// keys. Called at dial time so the secret is not held by the sink.
	Passphrase func() []byte
	// Keys is the pinned host key store.
	Keys HostKeyStore
}

// Deploy implements Sink.
func (s *SSHSink) Deploy(ctx context.Context, artifact model.KeyFileArtifact) error {
	d, err := s.dial(ctx, artifact.Hostname)
	if err != nil {
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	defer d.Close()

	if err := d.DeployAuthorizedKeys(artifact.Content); err != nil {
		return &DeployError{Hostname: artifact.Hostname, Err: err}
	}
	return nil
}

// FetchAuthorizedKeys returns the current remote authorized_keys content,
// used by audit tooling to detect drift.
func (s *SSHSink) FetchAuthorizedKeys(ctx context.Context, hostname string) ([]byte, error) {
	d, err := s.dial(ctx, hostname)
	if err != nil {
		return nil, &DeployError{Hostname: hostname, Err: err}
	}
	defer d.Close()
	return d.GetAuthorizedKeys()
}

// dial establishes the SSH and SFTP connections for one host.
func (s *SSHSink) dial(ctx context.Context, host string) (*deployer, error) {
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// The hostname passed to the callback can include the port; strip it
		// so the registry lookup uses the bare host.
		h, _, err := net.SplitHostPort(hostname)
		if err != nil {
			h = hostname
		}

		presentedKey := string(ssh.MarshalAuthorizedKey(key))

		knownKey, err := s.Keys.KnownHostKey(h)
		if err != nil {
			return fmt.Errorf("failed to query known hosts: %w", err)
		}
		if knownKey == "" {
			return fmt.Errorf("unknown host key for %s. run 'keywarden trust-host' to add it", h)
		}
		if knownKey != presentedKey {
			return fmt.Errorf("host key mismatch for %s: remote presented %s", h, presentedKey)
		}
		return nil
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	var finalErr error

	// Attempt 1: the configured deploy key.
	if s.PrivateKey != "" {
		signer, err := s.signer()
		if err != nil {
			return nil, err
		}

		config := &ssh.ClientConfig{
			User:            s.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		}

		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			sftpClient, sftpErr := sftp.NewClient(client)
			if sftpErr != nil {
				_ = client.Close()
				return nil, fmt.Errorf("failed to create sftp client: %w", sftpErr)
			}
			return &deployer{client: client, sftp: sftpClient}, nil
		}
		if !strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("connection with deploy key failed: %w", err)
		}
		finalErr = err
	}

	// Attempt 2: the SSH agent as a fallback.
	agentClient := getSSHAgent()
	if agentClient == nil {
		if finalErr != nil {
			return nil, fmt.Errorf("deploy key authentication failed, and no SSH agent available for fallback: %w", finalErr)
		}
		return nil, fmt.Errorf("no authentication method available (no deploy key configured and no ssh agent found)")
	}

	config := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("connection with ssh agent failed: %w", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	return &deployer{client: client, sftp: sftpClient}, nil
}

// signer parses the deploy key, using the passphrase callback for
// encrypted keys.
func (s *SSHSink) signer() (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(s.PrivateKey))
	if err == nil {
		return signer, nil
	}
	if _, ok := err.(*ssh.PassphraseMissingError); ok && s.Passphrase != nil {
		pass := s.Passphrase()
		defer func() {
			for i := range pass {
				pass[i] = 0
			}
		}()
		if len(pass) > 0 {
			return ssh.ParsePrivateKeyWithPassphrase([]byte(s.PrivateKey), pass)
		}
	}
	return nil, fmt.Errorf("unable to parse deploy key: %w", err)
}

// deployer holds the connections for a single host deployment.
type deployer struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// DeployAuthorizedKeys uploads the new authorized_keys content and moves it
// into place atomically. Pure SFTP so it works with restricted keys
// (command="internal-sftp").
func (d *deployer) DeployAuthorizedKeys(content string) error {
	sshDir := ".ssh"
	_ = d.sftp.Mkdir(sshDir) // ignore error if it already exists
	if err := d.sftp.Chmod(sshDir, 0o700); err != nil {
		return fmt.Errorf("failed to chmod .ssh directory: %w", err)
	}

	tmpPath := path.Join(sshDir, fmt.Sprintf("authorized_keys.keywarden.%d", time.Now().UnixNano()))
	f, err := d.sftp.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to write to temporary file on remote: %w", err)
	}
	_ = f.Close()

	if err := d.sftp.Chmod(tmpPath, 0o600); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}

	finalPath := path.Join(sshDir, "authorized_keys")
	if err := d.sftp.Rename(tmpPath, finalPath); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to atomically rename authorized_keys file: %w", err)
	}
	return nil
}

// GetAuthorizedKeys reads the remote authorized_keys file.
func (d *deployer) GetAuthorizedKeys() ([]byte, error) {
	finalPath := ".ssh/authorized_keys"
	f, err := d.sftp.Open(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", finalPath, err)
	}
	defer func() { _ = f.Close() }()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read from remote file %s: %w", finalPath, err)
	}
	return content, nil
}

// Close closes the underlying SSH and SFTP clients.
func (d *deployer) Close() {
	if d.sftp != nil {
		_ = d.sftp.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

// GetRemoteHostKey connects to a host just to retrieve its public key, for
// the trust-host flow.
func GetRemoteHostKey(host string) (ssh.PublicKey, error) {
	keyChan := make(chan ssh.PublicKey, 1)

	config := &ssh.ClientConfig{
		// No authentication needed, just start the handshake.
		User: "keywarden-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			// Returning an error stops the handshake once we have the key.
			return fmt.Errorf("keywarden: successfully retrieved host key")
		},
		Timeout: 5 * time.Second,
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	_, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "keywarden: successfully retrieved host key") {
			return <-keyChan, nil
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	return nil, fmt.Errorf("ssh.Dial succeeded unexpectedly, could not retrieve key")
}
