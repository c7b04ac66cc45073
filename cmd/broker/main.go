// Command broker is the lmtoolsbridge process: one control-plane
// listener that editor instances register against, and one public MCP
// listener that editor clients (or an IDE's built-in MCP client) talk
// to over JSON-RPC/SSE.
//
// Grounded on cmd/mcplexer/main.go's run()/cmdServe (signal handling,
// slog wiring, errCh/select-on-ctx.Done shutdown) and
// cmd/mcplexer/socket.go's listener-close-on-ctx-done pattern
// (RevittCo-mcplexer).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmtoolsbridge/broker/internal/control"
	"github.com/lmtoolsbridge/broker/internal/discovery"
	"github.com/lmtoolsbridge/broker/internal/forward"
	"github.com/lmtoolsbridge/broker/internal/gateway"
	"github.com/lmtoolsbridge/broker/internal/logbuf"
	"github.com/lmtoolsbridge/broker/internal/portalloc"
	"github.com/lmtoolsbridge/broker/internal/registry"
	"github.com/lmtoolsbridge/broker/internal/session"
)

// version is stamped by the release build; "dev" covers local runs,
// matching cmd/mcplexer's version.Version convention without needing
// its own ldflags wiring.
var version = "dev"

const (
	registryTTL        = 15 * time.Second
	sessionTTL         = 5 * time.Hour
	handshakeRetryWait = 5 * time.Second
	healthCheckTimeout = 1200 * time.Millisecond
	idlePollInterval   = 5 * time.Second
	idleGrace          = 10 * time.Second
	pruneInterval      = 2 * time.Second
	rootsReplyTimeout  = 15 * time.Second
	allocMinPort       = 50000
	allocMaxPort       = 51000
	allocReservation   = 2 * time.Minute
	logBufferCapacity  = 200
)

func main() {
	cfg := loadConfig()
	applyFlags(cfg, os.Args[1:])

	logBuf := logbuf.New(logBufferCapacity, cfg.LogFile)
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(logbuf.NewHandler(base, logBuf)))

	if err := run(cfg, logBuf); err != nil {
		slog.Error("broker: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logBuf *logbuf.Buffer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registryTTL, nil)
	alloc := portalloc.New(allocMinPort, allocMaxPort, allocReservation, reg)
	health := forward.NewHealthCheck(healthCheckTimeout)

	sessions := session.New(reg, health, sessionTTL, handshakeRetryWait)
	forwarder := forward.New(sessions, reg, health)
	aggregator := discovery.New()

	startedAt := time.Now()

	gw := &gateway.Server{
		Sessions:  sessions,
		Forwarder: forwarder,
		Discovery: aggregator,
		Registry:  reg,
		LogBuf:    logBuf,
		Version:   version,
		StartedAt: startedAt,
	}

	controlPort := control.PortFromName(cfg.Pipe)
	controlLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", controlPort))
	if err != nil {
		// Another broker process already owns this user's control
		// port: treat this as the normal "already running" case, not
		// a failure (SPEC_FULL.md §6: exit 0 on bind-contention).
		slog.Info("broker: control port already bound, exiting", "port", controlPort)
		return nil
	}

	httpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort))
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("bind http port %d: %w", cfg.HTTPPort, err)
	}

	shutdownOnce := make(chan struct{})
	requestShutdown := func(reason string) {
		select {
		case <-shutdownOnce:
			return
		default:
			close(shutdownOnce)
		}
		slog.Info("broker: shutdown requested", "reason", reason)
		stop()
	}

	ctl := &control.Server{
		Registry:        reg,
		Allocator:       alloc,
		Version:         version,
		StartedAt:       startedAt,
		RequestShutdown: requestShutdown,
	}

	controlSrv := &http.Server{Handler: ctl.Router()}
	httpSrv := &http.Server{Handler: gw.Router()}

	errCh := make(chan error, 2)
	go func() { errCh <- controlSrv.Serve(controlLn) }()
	go func() { errCh <- httpSrv.Serve(httpLn) }()

	go idleShutdownLoop(ctx, reg, alloc, requestShutdown)
	go prunerLoop(ctx, reg, sessions)

	select {
	case <-ctx.Done():
		slog.Info("broker: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownServers(controlSrv, httpSrv)
			return err
		}
	}

	shutdownServers(controlSrv, httpSrv)
	return nil
}

func shutdownServers(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(ctx)
	}
}

// prunerLoop periodically drops expired instance records, expired
// sessions, and timed-out pending roots/list requests, so Count()-based
// idle-shutdown checks and the /status snapshot never see state that
// has already outlived its TTL (SPEC_FULL.md §5: "the pruner runs on a
// fixed tick").
func prunerLoop(ctx context.Context, reg *registry.Registry, sessions *session.Manager) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			reg.Prune(now)
			sessions.Prune(now)
			sessions.ExpireRoots(now, rootsReplyTimeout)
		}
	}
}

// idleShutdownLoop exits the process once the registry has held no
// live instances and the allocator no pending reservations for
// idleGrace, so a forgotten broker doesn't linger after every editor
// window has closed (SPEC_FULL.md §5).
//
// The grace period is tracked against lastNonEmptyAt, a timestamp this
// loop owns itself rather than reading solely off reg.LastNonEmptyAt():
// the registry only updates that field from its own Upsert/Prune calls,
// so an allocator-only reservation (an editor that allocated a port and
// crashed before its first heartbeat) would never be reflected in it,
// letting the grace period collapse to whatever the registry's last
// activity happened to be instead of the full idleGrace after the
// reservation's own last activity (spec.md §4.1: "both become empty").
func idleShutdownLoop(ctx context.Context, reg *registry.Registry, alloc *portalloc.Allocator, requestShutdown func(string)) {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	lastNonEmptyAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if reg.Count() > 0 || alloc.Count() > 0 {
				lastNonEmptyAt = now
				continue
			}
			if now.Sub(lastNonEmptyAt) >= idleGrace {
				requestShutdown("idle")
				return
			}
		}
	}
}
