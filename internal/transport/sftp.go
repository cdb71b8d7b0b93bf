package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/fleetfs/internal/registry"
	gssh "github.com/3cpo-dev/fleetfs/internal/ssh"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

type SFTPConfig struct {
	KeyPath    string
	KnownHosts string
	User       string
	Timeout    time.Duration
	Retry      RetryConfig
	// AgentToken is sent as a bearer token to worker agents.
	AgentToken string
	// AgentTLS, when set, is used for https agent URLs.
	AgentTLS *tls.Config
}

// SFTP serves workers reached over SSH. One connection per worker is cached
// and dropped on the first error so the next attempt redials.
type SFTP struct {
	cfg     SFTPConfig
	signer  xssh.Signer
	hosts   xssh.HostKeyCallback
	httpCli *http.Client

	mu    sync.Mutex
	conns map[string]*xssh.Client
}

func NewSFTP(cfg SFTPConfig) (*SFTP, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	hosts, err := gssh.LoadKnownHostsCallback(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SFTP{
		cfg:     cfg,
		signer:  signer,
		hosts:   hosts,
		httpCli: agentClient(cfg),
		conns:   make(map[string]*xssh.Client),
	}, nil
}

func agentClient(cfg SFTPConfig) *http.Client {
	if cfg.AgentTLS == nil {
		return &http.Client{Timeout: cfg.Timeout}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = cfg.AgentTLS
	return &http.Client{Timeout: cfg.Timeout, Transport: tr}
}

func (s *SFTP) client(w registry.Worker) *gssh.Client {
	user := w.User
	if user == "" {
		user = s.cfg.User
	}
	return &gssh.Client{
		Addr:       w.Address,
		User:       user,
		Signer:     s.signer,
		KnownHosts: s.hosts,
		Timeout:    s.cfg.Timeout,
		Retries:    s.cfg.Retry.MaxRetries,
		Backoff:    s.cfg.Retry.InitialDelay,
	}
}

func (s *SFTP) conn(ctx context.Context, w registry.Worker) (*xssh.Client, error) {
	s.mu.Lock()
	cli, ok := s.conns[w.Name]
	s.mu.Unlock()
	if ok {
		return cli, nil
	}
	cli, err := gssh.Dial(ctx, s.client(w))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[w.Name]; ok {
		_ = cli.Close()
		return existing, nil
	}
	s.conns[w.Name] = cli
	return cli, nil
}

func (s *SFTP) drop(w registry.Worker, cli *xssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[w.Name]; ok && cur == cli {
		delete(s.conns, w.Name)
		_ = cli.Close()
	}
}

// with runs fn on the worker's connection under the retry policy.
func (s *SFTP) with(ctx context.Context, w registry.Worker, op string, fn func(context.Context, *xssh.Client) error) error {
	return Retry(ctx, s.cfg.Retry, op+" "+w.Name, func(ctx context.Context) error {
		cli, err := s.conn(ctx, w)
		if err != nil {
			return err
		}
		if err := fn(ctx, cli); err != nil {
			s.drop(w, cli)
			return err
		}
		return nil
	})
}

func remotePath(w registry.Worker, remote string) string {
	return path.Join(w.Root, path.Clean("/"+remote))
}

func (s *SFTP) Put(ctx context.Context, w registry.Worker, remote string, body io.ReadSeeker) error {
	dst := remotePath(w, remote)
	return s.with(ctx, w, "put", func(ctx context.Context, cli *xssh.Client) error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return Permanent(err)
		}
		return gssh.Upload(ctx, cli, body, dst)
	})
}

func (s *SFTP) Get(ctx context.Context, w registry.Worker, remote string) (io.ReadCloser, error) {
	src := remotePath(w, remote)
	var rc io.ReadCloser
	err := s.with(ctx, w, "get", func(ctx context.Context, cli *xssh.Client) error {
		var err error
		rc, err = gssh.Open(ctx, cli, src)
		return err
	})
	return rc, err
}

func (s *SFTP) Delete(ctx context.Context, w registry.Worker, remote string) error {
	target := remotePath(w, remote)
	return s.with(ctx, w, "delete", func(ctx context.Context, cli *xssh.Client) error {
		return gssh.Remove(ctx, cli, target)
	})
}

// Probe asks the worker's agent when one is configured and falls back to
// probing the root over SFTP. Probes are not retried; the health monitor
// counts consecutive failures instead.
func (s *SFTP) Probe(ctx context.Context, w registry.Worker) (Capacity, error) {
	if w.AgentURL != "" {
		return s.probeAgent(ctx, w)
	}
	cli, err := s.conn(ctx, w)
	if err != nil {
		return Capacity{}, err
	}
	dc, err := gssh.ProbeDir(ctx, cli, w.Root)
	if err != nil {
		s.drop(w, cli)
		return Capacity{Reachable: true}, err
	}
	c := Capacity{Reachable: true, Exists: dc.Exists, Writable: dc.Writable, FreeBytes: dc.FreeBytes}
	if dc.Exists && !dc.FreeKnown {
		free, err := s.free(ctx, w, cli)
		if err != nil {
			return c, err
		}
		c.FreeBytes = free
	}
	return c, nil
}

func (s *SFTP) probeAgent(ctx context.Context, w registry.Worker) (Capacity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.AgentURL, "/")+"/v0/capacity", nil)
	if err != nil {
		return Capacity{}, err
	}
	if s.cfg.AgentToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AgentToken)
	}
	resp, err := s.httpCli.Do(req)
	if err != nil {
		return Capacity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Capacity{Reachable: true}, fmt.Errorf("agent capacity: status %d", resp.StatusCode)
	}
	var cr api.CapacityResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Capacity{Reachable: true}, fmt.Errorf("agent capacity: %w", err)
	}
	return Capacity{Reachable: true, Exists: cr.Exists, Writable: cr.Writable, FreeBytes: cr.FreeBytes}, nil
}

// free reads the root's free space with df on the cached connection. If that
// fails the connection is dropped and df runs again on fresh connections
// under the retry budget.
func (s *SFTP) free(ctx context.Context, w registry.Worker, cli *xssh.Client) (uint64, error) {
	cmd := "df -Pk " + shellQuote(w.Root)
	out, _, err := gssh.Run(ctx, cli, cmd)
	if err != nil {
		log.Debug().Err(err).Str("worker", w.Name).Msg("df on cached connection failed, redialling")
		s.drop(w, cli)
		if out, _, err = s.client(w).RunCommand(ctx, cmd); err != nil {
			return 0, err
		}
	}
	return parseDF(out)
}

// parseDF reads the available column of POSIX `df -Pk` output in bytes.
func parseDF(out string) (uint64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output %q", out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, fmt.Errorf("unexpected df output %q", out)
	}
	kb, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df available: %w", err)
	}
	return kb * 1024, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cli := range s.conns {
		if err := cli.Close(); err != nil {
			log.Debug().Err(err).Str("worker", name).Msg("close ssh connection")
		}
		delete(s.conns, name)
	}
	return nil
}
