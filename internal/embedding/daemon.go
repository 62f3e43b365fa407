package embedding

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/embedding"

// ErrAlreadyRunning indicates another daemon already serves the socket.
// Callers treat it as a clean, successful exit.
var ErrAlreadyRunning = errors.New("embedding daemon already running")

// connReadTimeout bounds how long the daemon waits for one request on an
// accepted connection.
const connReadTimeout = 30 * time.Second

// Daemon serves embedding requests over a unix socket.
//
// The daemon owns its state exclusively: the loaded model and the idle
// timer are never shared with another process. Connections are handled
// sequentially; model inference must not run concurrently because the
// underlying model is not reentrant.
type Daemon struct {
	cfg      config.EmbeddingConfig
	provider Provider
	logger   *zap.Logger

	meter          metric.Meter
	requestCounter metric.Int64Counter
}

// NewDaemon creates a daemon serving the given provider.
func NewDaemon(cfg config.EmbeddingConfig, provider Provider, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		provider: provider,
		logger:   logger.Named("embedding.daemon"),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	d.requestCounter, err = d.meter.Int64Counter(
		"recalld.embedding.requests_total",
		metric.WithDescription("Total embedding daemon requests by action"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		d.logger.Warn("failed to create request counter", zap.Error(err))
	}
	return d
}

// Serve binds the socket and handles requests until the idle timeout
// fires, the context is canceled, or a fatal listener error occurs.
//
// If another daemon already answers health probes on the socket, Serve
// returns ErrAlreadyRunning without disturbing it. A stale socket file
// with no listener behind it is removed.
func (d *Daemon) Serve(ctx context.Context) error {
	if probeHealth(d.cfg.SocketPath, d.cfg.HealthTimeout) {
		return ErrAlreadyRunning
	}
	if _, err := os.Stat(d.cfg.SocketPath); err == nil {
		if err := os.Remove(d.cfg.SocketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("binding %s: %w", d.cfg.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(d.cfg.SocketPath)
	}()

	d.logger.Info("listening",
		zap.String("socket", d.cfg.SocketPath),
		zap.Duration("idle_timeout", d.cfg.IdleTimeout))

	// The idle timer trades memory for absence of zombie processes: a
	// daemon nobody talks to unloads the model by exiting.
	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			conns <- conn
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("shutting down", zap.String("reason", "context canceled"))
			return ctx.Err()
		case <-idle.C:
			d.logger.Info("shutting down", zap.String("reason", "idle timeout"))
			return nil
		case err := <-acceptErr:
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		case conn := <-conns:
			idle.Reset(d.cfg.IdleTimeout)
			d.handleConn(ctx, conn)
		}
	}
}

// handleConn reads one request, writes one response, and closes.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(connReadTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		d.respond(conn, errorResponse{Error: "empty request"})
		return
	}

	var req Request
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
		d.respond(conn, errorResponse{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	if d.requestCounter != nil {
		d.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", req.Action)))
	}

	switch req.Action {
	case ActionHealth:
		d.respond(conn, healthResponse{Status: "ok"})
	case ActionEmbed:
		d.respond(conn, embedResponse{Embeddings: d.embed(ctx, req.Texts)})
	default:
		d.respond(conn, errorResponse{Error: "unknown action"})
	}
}

// embed produces one entry per text, in order. Blank texts map to null
// without touching the model; non-finite model output is replaced with
// null rather than poisoning the vector tables.
func (d *Daemon) embed(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))

	var (
		nonBlank []string
		indices  []int
	)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		nonBlank = append(nonBlank, text)
		indices = append(indices, i)
	}
	if len(nonBlank) == 0 {
		return results
	}

	vectors, err := d.provider.Embed(ctx, nonBlank)
	if err != nil {
		d.logger.Warn("inference failed", zap.Int("texts", len(nonBlank)), zap.Error(err))
		return results
	}
	for i, vec := range vectors {
		if i >= len(indices) {
			break
		}
		if len(vec) > 0 && allFinite(vec) {
			results[indices[i]] = vec
		}
	}
	return results
}

func (d *Daemon) respond(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("marshaling response", zap.Error(err))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(connReadTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		d.logger.Debug("client gone before response", zap.Error(err))
	}
}
