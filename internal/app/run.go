package app

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callhub/internal/call"
	"github.com/petervdpas/callhub/internal/config"
	"github.com/petervdpas/callhub/internal/realtime"
	"github.com/petervdpas/callhub/internal/server"
	"github.com/petervdpas/callhub/internal/server/routes"
	"github.com/petervdpas/callhub/internal/storage"
	"github.com/petervdpas/callhub/internal/util"
)

var log = logging.Logger("callhub/app")

const retentionSweep = time.Hour

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Clock drives invitation timers. Nil uses the wall clock.
	Clock clock.Clock

	// Ready, when set, is called with the bound HTTP address.
	Ready func(addr string)
}

// Run serves until ctx is cancelled. Every client connection is closed
// before it returns.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := server.NewLogBuffer(800)
	stopLogs, err := setupLogging(cfg.Logging, logBuf)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer stopLogs()

	logBanner(opt.Dir, opt.CfgPath)

	calls := call.New(call.Options{
		InviteTimeout: seconds(cfg.Signal.InviteTimeoutSec),
		Clock:         opt.Clock,
	})

	var journal *storage.DB
	if cfg.Journal.DBPath != "" {
		path := util.ResolvePath(opt.Dir, cfg.Journal.DBPath)
		journal, err = storage.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		calls.OnTransition(journalObserver(journal))
		log.Infow("journal enabled", "path", path, "retention_hours", cfg.Journal.RetentionHours)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		calls.Run(runCtx)
		close(stopped)
	}()

	if journal != nil {
		go journal.RunRetention(runCtx, time.Duration(cfg.Journal.RetentionHours)*time.Hour, retentionSweep)
	}

	limiter := realtime.NewLimiter(cfg.Signal.RateLimitPerConn, cfg.Signal.RateLimitGlobal, nil)

	srv := server.New(server.Options{
		Addr:              cfg.Server.HTTPAddr,
		ReadHeaderTimeout: seconds(cfg.Server.ReadHeaderTimeoutSec),
		Routes: routes.Deps{
			Calls:          calls,
			Logs:           logBuf,
			Journal:        journal,
			Admin:          routes.Admin{Password: cfg.Admin.Password, PasswordHash: cfg.Admin.PasswordHash},
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Transport: realtime.Options{
				SendQueue:       cfg.Signal.SendQueue,
				PingInterval:    seconds(cfg.Signal.PingIntervalSec),
				PongWait:        seconds(cfg.Signal.PongWaitSec),
				MaxMessageBytes: cfg.Signal.MaxMessageBytes,
			},
			Limiter: limiter,
		},
	})
	if err := srv.Start(runCtx); err != nil {
		cancel()
		<-stopped
		return fmt.Errorf("start http: %w", err)
	}
	if !cfg.AdminEnabled() {
		log.Infow("admin api disabled; set admin.password or admin.password_hash to enable")
	}
	if opt.Ready != nil {
		opt.Ready(srv.Addr())
	}

	if opt.CfgPath != "" {
		live := &liveConfig{current: cfg, calls: calls, limiter: limiter}
		if err := config.Watch(runCtx, opt.CfgPath, live.apply); err != nil {
			log.Warnw("config hot reload disabled", "err", err)
		}
	}

	<-ctx.Done()
	log.Infow("shutting down")
	cancel()

	select {
	case <-stopped:
	case <-time.After(util.ShutdownTimeout):
		log.Warnw("call manager did not stop in time")
	}
	return nil
}

func journalObserver(j *storage.DB) func(call.Transition) {
	return func(t call.Transition) {
		j.Record(storage.Entry{
			At:       t.At,
			Kind:     string(t.Kind),
			Caller:   t.Caller,
			Receiver: t.Receiver,
			CallKind: t.CallKind,
			Token:    t.Token,
			Detail:   t.Detail,
		})
		switch t.Kind {
		case call.TransitionRegistered:
			j.TouchIdentity(t.Caller, "online", t.At, true)
		case call.TransitionOffline, call.TransitionForced:
			j.TouchIdentity(t.Caller, "offline", t.At, false)
		}
	}
}

// liveConfig applies the settings that can change without a restart.
type liveConfig struct {
	mu      sync.Mutex
	current config.Config
	calls   *call.Manager
	limiter *realtime.Limiter
}

func (l *liveConfig) apply(next config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := applyLogLevels(next.Logging); err != nil {
		log.Warnw("log levels not applied", "err", err)
	}
	if next.Signal.InviteTimeoutSec != l.current.Signal.InviteTimeoutSec {
		l.calls.SetInviteTimeout(seconds(next.Signal.InviteTimeoutSec))
		log.Infow("invite timeout changed", "seconds", next.Signal.InviteTimeoutSec)
	}
	if next.Signal.RateLimitPerConn != l.current.Signal.RateLimitPerConn ||
		next.Signal.RateLimitGlobal != l.current.Signal.RateLimitGlobal {
		l.limiter.SetLimits(next.Signal.RateLimitPerConn, next.Signal.RateLimitGlobal)
		log.Infow("rate limits changed", "per_conn", next.Signal.RateLimitPerConn, "global", next.Signal.RateLimitGlobal)
	}

	if restartNeeded(l.current, next) {
		log.Warnw("server, admin, journal or transport settings changed; restart to apply")
	}
	l.current = next
}

func restartNeeded(a, b config.Config) bool {
	sigA, sigB := a.Signal, b.Signal
	sigA.InviteTimeoutSec, sigB.InviteTimeoutSec = 0, 0
	sigA.RateLimitPerConn, sigB.RateLimitPerConn = 0, 0
	sigA.RateLimitGlobal, sigB.RateLimitGlobal = 0, 0
	return !reflect.DeepEqual(a.Server, b.Server) ||
		a.Admin != b.Admin ||
		a.Journal != b.Journal ||
		sigA != sigB
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
