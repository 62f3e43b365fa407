package embedding

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Client talks to the embedding daemon. Embedding is advisory
// enrichment: callers treat every client failure as "no vectors" and
// degrade, so the client never panics and IsRunning never errors.
type Client struct {
	cfg    config.EmbeddingConfig
	logger *zap.Logger

	// start launches the daemon out of process. Overridable for tests.
	start func() error
}

// NewClient creates a client for the configured socket.
func NewClient(cfg config.EmbeddingConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.Named("embedding.client"),
	}
	c.start = c.startDaemon
	return c
}

// IsRunning performs a fast health probe. Any connection error means
// "not running"; it never returns an error.
func (c *Client) IsRunning() bool {
	return probeHealth(c.cfg.SocketPath, c.cfg.HealthTimeout)
}

// Embed returns one vector per text, in input order, with null entries
// for blank texts and failed embeddings.
//
// If the daemon is not reachable the client starts it, waits a fixed
// settle time, and retries exactly once before giving up.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := c.roundTrip(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if !isDaemonDown(err) {
		return nil, err
	}

	c.logger.Debug("daemon not reachable, starting it", zap.Error(err))
	if startErr := c.start(); startErr != nil {
		return nil, fmt.Errorf("%w: start failed: %v", ErrUnavailable, startErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.cfg.StartupSettle):
	}

	vectors, err = c.roundTrip(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return vectors, nil
}

// roundTrip performs one connect-request-response cycle.
func (c *Client) roundTrip(ctx context.Context, texts []string) ([][]float32, error) {
	deadline := time.Now().Add(c.cfg.ClientTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Timeout: time.Until(deadline)}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	req, err := json.Marshal(Request{Action: ActionEmbed, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var res Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &res); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("daemon error: %s", res.Error)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("daemon returned %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}
	return res.Embeddings, nil
}

// startDaemon spawns a detached `recalld serve` process. The child owns
// its own lifecycle from here; the client only waits the settle time.
func (c *Client) startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	cmd := exec.Command(exe, "serve")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	// Reap the child when it eventually exits so it never zombies.
	go cmd.Wait()
	return nil
}

// isDaemonDown reports whether err means the daemon is not there, as
// opposed to a protocol or timeout failure not fixable by starting it.
func isDaemonDown(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, fs.ErrNotExist)
}

// probeHealth performs one health round-trip with a short timeout.
func probeHealth(socketPath string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	req, err := json.Marshal(Request{Action: ActionHealth})
	if err != nil {
		return false
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return false
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	var res Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &res); err != nil {
		return false
	}
	return res.Status == "ok"
}
