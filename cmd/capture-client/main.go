// Command capture-client mirrors a device's serial captures and screenshots
// into a local store, in the terminal viewer or headless.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/admin"
	"github.com/jnovack/capture-client/pkg/config"
	"github.com/jnovack/capture-client/pkg/logging"
	"github.com/jnovack/capture-client/pkg/remote"
	"github.com/jnovack/capture-client/pkg/session"
	"github.com/jnovack/capture-client/pkg/signals"
	"github.com/jnovack/capture-client/pkg/store"
	"github.com/jnovack/capture-client/pkg/tui"
)

const logFile = "capture-client.log"

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.TUI {
		// the viewer owns the terminal; logs go to a file
		f, ferr := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			log.Fatal().Err(ferr).Str("file", logFile).Msg("failed to open log file")
		}
		defer f.Close()
		logging.SetupWriter(f, cfg.LogLevel, cfg.LogFormat)
	} else {
		logging.Setup(cfg.LogLevel, cfg.LogFormat)
	}
	log.Info().Interface("config", cfg.Redacted()).Msg("starting capture-client")

	st, err := store.Open(cfg.DB, store.WithMkdirAll())
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DB).Msg("failed to open record store")
	}
	defer st.Close()

	rc, err := remote.New(cfg.APIURL, cfg.APIKey, &http.Client{Timeout: cfg.RequestTimeout})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create REST client")
	}

	metrics := admin.NewMetrics()
	sess, err := session.New(session.Options{
		WSURL:            cfg.WSURL,
		APIKey:           cfg.APIKey,
		Store:            st,
		Remote:           rc,
		Metrics:          metrics,
		RetryBase:        cfg.RetryBase,
		MaxRetries:       cfg.MaxRetries,
		DedupWindow:      cfg.DedupWindow,
		AutoplayInterval: cfg.Autoplay,
		UploadTimeout:    cfg.RequestTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session")
	}

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.Router(metrics, cfg.Redacted(), func() any { return sess.Snapshot() }),
		}
		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("admin HTTP failed")
			}
		}()
	}

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = sess.Start(startCtx)
	cancelStart()
	if err != nil {
		log.Error().Err(err).Msg("session did not start")
		if !cfg.TUI {
			shutdown(sess, adminSrv)
			os.Exit(1)
		}
	}

	if cfg.TUI {
		if err := tui.Run(ctx, sess); err != nil {
			log.Error().Err(err).Msg("viewer failed")
		}
	} else {
		<-ctx.Done()
		log.Info().Msg("shutdown requested")
	}
	shutdown(sess, adminSrv)
}

func shutdown(sess *session.Session, adminSrv *http.Server) {
	sess.Shutdown()
	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(ctx)
	}
	log.Info().Msg("capture-client stopped")
}
