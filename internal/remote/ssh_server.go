// Package remote serves pipeline diagnostics over SSH so a headless
// compositor host can be inspected without shell access.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bnema/vdsurface/internal/ipc"
	"github.com/bnema/vdsurface/internal/logger"
	"github.com/bnema/vdsurface/internal/ui"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	gossh "golang.org/x/crypto/ssh"
)

// SSHServer answers `status` and `dump` commands on SSH sessions
type SSHServer struct {
	address     string
	hostKeyPath string
	handler     ipc.Handler

	mu          sync.RWMutex
	allowedKeys map[string]bool // SHA256 fingerprints

	sshServer *ssh.Server
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSSHServer creates a server. Only keys whose SHA256 fingerprint is in
// allowedKeys may connect.
func NewSSHServer(address, hostKeyPath string, allowedKeys []string, handler ipc.Handler) *SSHServer {
	allowed := make(map[string]bool, len(allowedKeys))
	for _, fp := range allowedKeys {
		allowed[strings.TrimSpace(fp)] = true
	}
	return &SSHServer{
		address:     address,
		hostKeyPath: hostKeyPath,
		handler:     handler,
		allowedKeys: allowed,
	}
}

// Start begins listening for SSH connections
func (s *SSHServer) Start(ctx context.Context) error {
	server, err := wish.NewServer(
		wish.WithAddress(s.address),
		wish.WithHostKeyPath(s.hostKeyPath),
		wish.WithPublicKeyAuth(s.publicKeyAuth),
		wish.WithMiddleware(
			s.commandMiddleware(),
			s.loggingMiddleware(),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create SSH server: %w", err)
	}
	s.sshServer = server

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Infof("SSH diagnostics listening on %s", s.address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			logger.Errorf("SSH server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts down the SSH server
func (s *SSHServer) Stop() {
	s.stopOnce.Do(func() {
		if s.sshServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.sshServer.Shutdown(ctx)
		}
		s.wg.Wait()
	})
}

// publicKeyAuth accepts only allowed fingerprints
func (s *SSHServer) publicKeyAuth(ctx ssh.Context, key ssh.PublicKey) bool {
	fingerprint := gossh.FingerprintSHA256(key)

	s.mu.RLock()
	ok := s.allowedKeys[fingerprint]
	s.mu.RUnlock()

	logger.Debugf("SSH authentication attempt addr=%s user=%s key=%s allowed=%v",
		ctx.RemoteAddr(), ctx.User(), fingerprint, ok)
	return ok
}

// loggingMiddleware logs session start and end
func (s *SSHServer) loggingMiddleware() wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			logger.Debugf("SSH session started: user=%s addr=%s cmd=%v", sess.User(), sess.RemoteAddr(), sess.Command())
			h(sess)
			logger.Debugf("SSH session ended: addr=%s", sess.RemoteAddr())
		}
	}
}

// commandMiddleware runs the requested diagnostics command
func (s *SSHServer) commandMiddleware() wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			if err := s.respond(sess, sess.Command()); err != nil {
				fmt.Fprintf(sess.Stderr(), "%v\n", err)
				sess.Exit(1)
				return
			}
			sess.Exit(0)
		}
	}
}

func (s *SSHServer) respond(w io.Writer, command []string) error {
	cmd := "status"
	if len(command) > 0 {
		cmd = command[0]
	}

	switch cmd {
	case "status":
		fmt.Fprintln(w, ui.FormatStatusTable(ipc.FromStatuses(s.handler.Statuses())))
		return nil
	case "dump":
		s.handler.Dump(w)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want status or dump)", cmd)
	}
}
