// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the Keywarden command-line interface using Cobra. It
// defines the root command, the administrative subcommands (add-user,
// grant, refresh, sync, ...) and the entry point for execution.

package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/keywarden/keywarden/internal/deploy"
	"github.com/keywarden/keywarden/internal/graph"
	"github.com/keywarden/keywarden/internal/i18n"
	"github.com/keywarden/keywarden/internal/model"
	"github.com/keywarden/keywarden/internal/registry"
)

var version = "dev" // set by the linker

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

var rootCmd = newRootCmd()

// newRootCmd creates and configures the root command. Tests build fresh
// instances for isolation.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywarden",
		Short: "Keywarden derives SSH access from an authorization graph.",
		Long: `Keywarden turns a replicated authorization graph into authorized_keys
files. Team membership, roles and per-host channel labels decide who may
reach which host; Keywarden renders the resulting key files and pushes
them to the hosts over SFTP. The graph is the source of truth.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(initCmd)
	cmd.AddCommand(addUserCmd)
	cmd.AddCommand(removeUserCmd)
	cmd.AddCommand(grantCmd)
	cmd.AddCommand(revokeCmd)
	cmd.AddCommand(refreshCmd)
	cmd.AddCommand(syncCmd)
	cmd.AddCommand(importHostsCmd)
	cmd.AddCommand(auditCmd)
	cmd.AddCommand(trustHostCmd)
	cmd.AddCommand(backupCmd)
	cmd.AddCommand(restoreCmd)

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is keywarden.yaml in the config dir or current dir)")
	cmd.PersistentFlags().String("db-type", "sqlite", "database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "./keywarden.db", "database connection string (DSN)")
	cmd.PersistentFlags().String("graph-state", "./keywarden.graph.json", "graph snapshot file for local mode")
	cmd.PersistentFlags().String("artifact-dir", "", "directory receiving a local copy of every rendered key file")
	cmd.PersistentFlags().String("local-dir", "", "write key files to this directory instead of deploying over SSH")
	cmd.PersistentFlags().String("lang", "en", `output language ("en", "de")`)
	cmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	return cmd
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the registry and the graph transport label",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.Initialize(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(i18n.T("init.done"))
		return nil
	},
}

var addUserCmd = &cobra.Command{
	Use:   "add-user [public-key-file]",
	Short: "Onboard a user from an SSH public key file",
	Long: `Adds the key holder to the team, assigns the SSH user (or admin) role
and opens the SSH transport for them. Host access is granted separately
with 'keywarden grant'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		isAdmin, _ := cmd.Flags().GetBool("admin")

		bundle, err := readKeyBundle(args[0])
		if err != nil {
			return err
		}
		if comment, _ := cmd.Flags().GetString("comment"); comment != "" {
			bundle.Comment = comment
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.Initialize(cmd.Context()); err != nil {
			return err
		}
		id, err := s.mgr.AddUser(cmd.Context(), bundle, isAdmin)
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("user.added", id))
		return nil
	},
}

var removeUserCmd = &cobra.Command{
	Use:   "remove-user [device-id]",
	Short: "Offboard a user and withdraw all of their key material",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseDeviceID(args[0])
		if err != nil {
			return err
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.RemoveUser(cmd.Context(), id); err != nil {
			if errors.Is(err, graph.ErrUnknownMember) {
				return fmt.Errorf("%s: %w", i18n.T("user.not_member"), err)
			}
			return err
		}
		fmt.Println(i18n.T("user.removed", id))
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant [device-id] [hostname]",
	Short: "Grant a user SSH access to a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseDeviceID(args[0])
		if err != nil {
			return err
		}
		hostname := args[1]

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.GrantHostAccess(cmd.Context(), id, hostname); err != nil {
			if errors.Is(err, registry.ErrLabelCollision) {
				return fmt.Errorf("hostname %q collides with an already-bound host label: %w", hostname, err)
			}
			return err
		}
		fmt.Println(i18n.T("host.granted", id, hostname))
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke [device-id] [hostname]",
	Short: "Revoke a user's SSH access to a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseDeviceID(args[0])
		if err != nil {
			return err
		}
		hostname := args[1]

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.RevokeHostAccess(cmd.Context(), id, hostname); err != nil {
			return err
		}
		fmt.Println(i18n.T("host.revoked", id, hostname))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [hostname]",
	Short: "Re-render and redeploy key files for one or all hosts",
	Long: `Recomputes the authorized_keys content from the graph and redeploys it.
Hosts whose content is unchanged are skipped on the content hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if len(args) == 1 {
			if err := s.mat.RefreshHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(i18n.T("refresh.host_done", args[0]))
			return nil
		}

		hosts, err := s.store.AllHosts()
		if err != nil {
			return err
		}
		if err := s.mat.RefreshAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(i18n.T("refresh.done", len(hosts)))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the reconciliation loop until interrupted",
	Long: `Polls the configured graph peer on an interval and reconciles key files
for every change it observes. Runs until SIGINT or SIGTERM; an in-flight
reconciliation finishes before shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.mgr.Initialize(cmd.Context()); err != nil {
			return err
		}

		interval := s.syncInterval()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s.mgr.StartSyncLoop(interval)
		fmt.Println(i18n.T("sync.started", s.cfg.Sync.PeerAddr, interval))

		<-ctx.Done()
		s.mgr.StopSyncLoop()
		fmt.Println(i18n.T("sync.stopped"))
		return nil
	},
}

var importHostsCmd = &cobra.Command{
	Use:   "import-hosts [hosts-file]",
	Short: "Bind labels for every hostname listed in a hosts file",
	Long: `Reads a hosts file (one hostname per line, blank lines and # comments
skipped) and binds each hostname to its derived label. Already-bound
hostnames are counted as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		bound, skipped, err := registry.ImportHostsFile(s.store, s.gcfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("host.imported", bound, skipped))
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [hostname]",
	Short: "Compare deployed key files against the expected render",
	Long: `Reads the key file actually installed on each host back through the
deployment sink and compares it with the render the graph currently
calls for. Out-of-band edits on a host are reported as drift even when
the recorded deploy hash is up to date.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		var hosts []string
		if len(args) == 1 {
			hosts = args
		} else {
			all, err := s.store.AllHosts()
			if err != nil {
				return err
			}
			for _, h := range all {
				hosts = append(hosts, h.Hostname)
			}
		}

		drifted := 0
		for _, hostname := range hosts {
			d, err := s.mat.AuditHost(cmd.Context(), hostname)
			if err != nil {
				return err
			}
			if d.InSync() {
				fmt.Println(i18n.T("audit.in_sync", hostname))
				continue
			}
			drifted++
			fmt.Println(i18n.T("audit.drift", hostname))
		}
		if drifted > 0 {
			return fmt.Errorf("%d of %d hosts drifted; run 'keywarden refresh' to converge", drifted, len(hosts))
		}
		return nil
	},
}

var trustHostCmd = &cobra.Command{
	Use:   "trust-host [hostname]",
	Short: "Fetch and pin a host's SSH public key",
	Long: `Connects to the host, retrieves its public key and pins it in the
registry. Deployments to a host refuse to proceed until its key is
pinned, and abort if the presented key ever differs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname := args[0]

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		key, err := deploy.GetRemoteHostKey(hostname)
		if err != nil {
			return err
		}
		if err := s.store.TrustHostKey(hostname, string(ssh.MarshalAuthorizedKey(key))); err != nil {
			return err
		}
		fmt.Println(i18n.T("host.trusted", hostname))
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Write a compressed backup of the host registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		data, err := s.store.ExportDataForBackup()
		if err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		if err := registry.WriteBackup(data, f); err != nil {
			return err
		}
		fmt.Println(i18n.T("backup.written", args[0]))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Replace the host registry with a backup's contents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		data, err := registry.ReadBackup(f)
		if err != nil {
			return err
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.store.ImportDataFromBackup(data); err != nil {
			return err
		}
		fmt.Println(i18n.T("backup.restored", args[0]))
		return nil
	},
}

func init() {
	addUserCmd.Flags().Bool("admin", false, "assign the SSH admin role instead of the user role")
	addUserCmd.Flags().String("comment", "", "override the key comment used in rendered files")
}

// readKeyBundle parses an SSH public key file into the enrollment bundle.
// The key's SHA256 fingerprint doubles as the graph signing identity in
// local mode.
func readKeyBundle(path string) (model.KeyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.KeyBundle{}, fmt.Errorf("failed to read public key %s: %w", path, err)
	}

	pk, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return model.KeyBundle{}, fmt.Errorf("failed to parse public key %s: %w", path, err)
	}

	return model.KeyBundle{
		SigningKey: ssh.FingerprintSHA256(pk),
		Algorithm:  pk.Type(),
		KeyData:    base64.StdEncoding.EncodeToString(pk.Marshal()),
		Comment:    comment,
	}, nil
}
