// Package app wires the components together and owns process lifecycle.
package app

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/caiqy/vrcguard/internal/cache"
	"github.com/caiqy/vrcguard/internal/config"
	"github.com/caiqy/vrcguard/internal/db"
	"github.com/caiqy/vrcguard/internal/handler"
	"github.com/caiqy/vrcguard/internal/onebot"
	"github.com/caiqy/vrcguard/internal/scheduler"
	"github.com/caiqy/vrcguard/internal/status"
	"github.com/caiqy/vrcguard/internal/store"
	"github.com/caiqy/vrcguard/internal/vrchat"
)

// App is the assembled process.
type App struct {
	cfg     *config.Config
	conn    *gorm.DB
	session *onebot.Session
	sched   *scheduler.Scheduler
	status  *status.Server
	router  *onebot.Router
}

// New opens the database, runs migrations and wires every component.
func New(cfg *config.Config) (*App, error) {
	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	st := store.New(conn)

	session := onebot.NewSession(onebot.SessionOptions{
		URL:          cfg.Gateway.WSURL,
		AccessToken:  cfg.Gateway.AccessToken,
		MaxRetries:   cfg.Gateway.MaxRetries,
		InitialDelay: cfg.Gateway.InitialDelay,
		MaxDelay:     cfg.Gateway.MaxDelay,
		CallTimeout:  cfg.Gateway.CallTimeout,
	})
	gateway := onebot.NewClient(session, cfg.Gateway.CallTimeout)

	vrc := vrchat.NewClient(vrchat.Options{
		APIBase:    cfg.VRChat.APIBase,
		Username:   cfg.VRChat.Username,
		Password:   cfg.VRChat.Password,
		TOTPSecret: cfg.VRChat.TOTPSecret,
		UserAgent:  cfg.VRChat.UserAgent,
		Timeout:    cfg.VRChat.RequestTimeout,
	})

	pending := cache.NewPendingJoinCache(cfg.Verification.PendingJoinTTL)
	flags := cache.NewFlagSet(cfg.Verification.PendingJoinTTL)

	h := handler.New(handler.Options{
		Gateway:       gateway,
		VRC:           vrc,
		Store:         st,
		Pending:       pending,
		Flags:         flags,
		CodeTTL:       cfg.Verification.CodeTTL,
		TimeoutAction: cfg.Verification.TimeoutAction,
	})

	sched := scheduler.New(scheduler.Options{
		HeartbeatInterval: cfg.Verification.HeartbeatInterval,
		SweepInterval:     cfg.Verification.SweepInterval,
		CleanupInterval:   cfg.Verification.CleanupInterval,
		Pinger:            session,
		Sweep:             h.SweepExpired,
	})
	sched.RegisterCleanup("pending-joins", func() {
		if removed := pending.Prune(); removed > 0 {
			log.WithField("removed", removed).Info("app: pruned stale pending joins")
		}
	})
	sched.RegisterCleanup("request-flags", func() {
		if removed := flags.Prune(); removed > 0 {
			log.WithField("removed", removed).Info("app: pruned stale request flags")
		}
	})

	a := &App{
		cfg:     cfg,
		conn:    conn,
		session: session,
		sched:   sched,
		router:  onebot.NewRouter(h.Routes()),
	}
	if cfg.StatusListen != "" {
		a.status = status.New(cfg.StatusListen, st, session.Connected)
	}
	return a, nil
}

// Run serves until ctx is canceled or the gateway session fails
// terminally, then tears everything down.
func (a *App) Run(ctx context.Context) error {
	if a.status != nil {
		go func() {
			if errServe := a.status.Start(); errServe != nil {
				log.WithError(errServe).Error("app: status api failed")
			}
		}()
	}

	a.sched.Start(ctx)
	go a.router.Run(a.session.Events())

	errConnect := a.session.Connect(ctx)
	if errors.Is(errConnect, context.Canceled) {
		errConnect = nil
	}

	a.shutdown()
	return errConnect
}

func (a *App) shutdown() {
	a.sched.Stop()

	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errShutdown := a.status.Shutdown(ctx); errShutdown != nil {
			log.WithError(errShutdown).Warn("app: status api shutdown failed")
		}
	}

	if sqlDB, errDB := a.conn.DB(); errDB == nil {
		if errClose := sqlDB.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: database close failed")
		}
	}
	log.Info("app: shutdown complete")
}
