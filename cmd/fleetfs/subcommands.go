package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/fleetfs/internal/core"
	"github.com/3cpo-dev/fleetfs/internal/orchestrator"
	sshx "github.com/3cpo-dev/fleetfs/internal/ssh"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(path)
}

func currentUser(cmd *cobra.Command) string {
	u, _ := cmd.Flags().GetString("user")
	return u
}

// withNode runs fn against a node that lives for the duration of one command.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *core.Node) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// One-shot commands never expose the monitoring server.
	cfg.Monitoring.Addr = ""
	ctx := cmd.Context()
	n, err := core.NewNode(ctx, cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop(context.Background())
		return err
	}
	runErr := fn(ctx, n)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func runTask(cmd *cobra.Command, r orchestrator.Request) error {
	return withNode(cmd, func(ctx context.Context, n *core.Node) error {
		v, err := n.Do(ctx, r)
		if err != nil {
			return err
		}
		log.Debug().Str("task_id", v.ID).Str("operation", string(v.Operation)).Msg("task completed")
		return nil
	})
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and generate an SSH identity for SFTP workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			if force {
				_ = os.Remove(path)
			}
			if err := core.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)

			cfg, err := core.LoadConfig(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.SSH.KeyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := sshx.GenerateEd25519Keypair(cfg.SSH.KeyPath)
				if err != nil {
					return err
				}
				fmt.Printf("Generated %s\n%s\n", cfg.SSH.KeyPath, strings.TrimSpace(pub))
			}
			return sshx.EnsureKnownHostsFile(cfg.SSH.KnownHosts)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, health monitor, reconciliation and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Monitoring.Addr = addr
			}
			n, err := core.NewNode(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			log.Info().Int("workers", len(cfg.Workers)).Str("policy", cfg.Scheduler.Policy).Str("addr", cfg.Monitoring.Addr).Msg("fleetfs serving")
			return n.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides monitoring.addr)")
	return cmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local-path> [name]",
		Short: "Split a local file into chunks and store it on the fleet",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}
			if err := runTask(cmd, orchestrator.Upload{Filename: name, LocalPath: args[0], Owner: currentUser(cmd)}); err != nil {
				return err
			}
			fmt.Printf("Uploaded %s as %s\n", args[0], name)
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <name> <local-path>",
		Short: "Reassemble a stored file into a local path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runTask(cmd, orchestrator.Download{Filename: args[0], LocalPath: args[1], User: currentUser(cmd)}); err != nil {
				return err
			}
			fmt.Printf("Downloaded %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name>",
		Short: "Print the content of a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf bytes.Buffer
			if err := runTask(cmd, orchestrator.Read{Filename: args[0], User: currentUser(cmd), Into: &buf}); err != nil {
				return err
			}
			_, err := io.Copy(cmd.OutOrStdout(), &buf)
			return err
		},
	}
}

func newWriteCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "write <name>",
		Short: "Replace the content of a stored file (requires a session)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(content)
			if !cmd.Flags().Changed("content") {
				var err error
				data, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			if err := runTask(cmd, orchestrator.Write{Filename: args[0], User: currentUser(cmd), Content: data}); err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes to %s\n", len(data), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new content (default: read from stdin)")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a stored file and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runTask(cmd, orchestrator.Delete{Filename: args[0], User: currentUser(cmd)}); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				files, err := n.Store.ListFiles(ctx)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Printf("%-32s %-12s %10d %s\n", f.Name, f.Owner, f.Size, time.UnixMilli(f.ModifiedAt).Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a write session for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user := currentUser(cmd)
			if user == "" {
				return errors.New("--user is required")
			}
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				if err := n.Login(ctx, user); err != nil {
					return err
				}
				fmt.Printf("Session opened for %s\n", user)
				return nil
			})
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Close the write session for --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user := currentUser(cmd)
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				if err := n.Logout(ctx, user); err != nil {
					return err
				}
				fmt.Printf("Session closed for %s\n", user)
				return nil
			})
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "workers",
		Aliases: []string{"health"},
		Short:   "Probe every worker and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				results := n.Monitor.CheckNow(ctx)
				free := make(map[string]string, len(results))
				for _, r := range results {
					switch {
					case r.Capacity.Unbounded:
						free[r.Worker] = "unbounded"
					case r.Err != nil:
						free[r.Worker] = r.Err.Error()
					default:
						free[r.Worker] = fmt.Sprintf("%d", r.Capacity.FreeBytes)
					}
				}
				fmt.Printf("%-16s %-6s %-10s %5s %s\n", "NAME", "KIND", "STATUS", "SCORE", "FREE")
				for _, w := range n.Workers() {
					fmt.Printf("%-16s %-6s %-10s %5d %s\n", w.Name, w.Kind, w.Status, w.Score, free[w.Name])
				}
				return nil
			})
		},
	}
}

func newPolicyCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "policy <fcfs|sjn|least-loaded|round-robin>",
		Short: "Switch the scheduling policy of a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if cfg.Monitoring.Addr == "" {
					return errors.New("no server: pass --server or set monitoring.addr")
				}
				server = "http://" + cfg.Monitoring.Addr
			}
			body, _ := json.Marshal(api.PolicyRequest{Policy: args[0]})
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut, strings.TrimRight(server, "/")+"/v0/policy", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("set policy: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}
			var out api.PolicyRequest
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("Scheduling policy: %s\n", out.Policy)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running fleetfs server")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one last-write-wins pass from the primary store to the replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				reports, err := n.Reconcile(ctx)
				for _, r := range reports {
					fmt.Printf("%-10s copied=%d skipped=%d failed=%d\n", r.Kind, r.Copied, r.Skipped, r.Failed)
				}
				return err
			})
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [path]",
		Short: "Generate an ed25519 key pair for SFTP workers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.SSH.KeyPath
			if len(args) == 1 {
				path = args[0]
			}
			pub, err := sshx.GenerateEd25519Keypair(path)
			if err != nil {
				return err
			}
			fmt.Print(pub)
			return nil
		},
	}
}

func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host:port>",
		Short: "Record an SFTP worker's host key in known_hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			key, err := sshx.TrustHost(cmd.Context(), cfg.SSH.KnownHosts, args[0], cfg.SSH.Timeout)
			if err != nil {
				return err
			}
			fmt.Printf("Trusted %s %s %s\n", args[0], key.Type(), xssh.FingerprintSHA256(key))
			return nil
		},
	}
}

func newShareCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "share <name> <user>",
		Short: "Grant another user read (and optionally write) access to a file you own",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *core.Node) error {
				if err := n.Share(ctx, currentUser(cmd), args[0], args[1], write); err != nil {
					return err
				}
				fmt.Printf("Shared %s with %s (write=%t)\n", args[0], args[1], write)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "also grant write access")
	return cmd
}
