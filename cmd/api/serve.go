package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ndk-tracker-go/internal/api"
	"ndk-tracker-go/internal/logger"
)

func runServe(cmd *cobra.Command, f *rootFlags, log *logger.Logger) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	log.WithField("service", "ndk-tracker").WithField("config", cfg.ConfigPath).Info("starting service")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.New(a.proc, log).Handler()
	servers := []*http.Server{newServer(cfg.HTTPAddr, handler)}
	if cfg.TLSEnabled() {
		servers = append(servers, newServer(cfg.HTTPSAddr, handler))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		tls := i == 1
		g.Go(func() error {
			l := log.WithField("addr", srv.Addr).WithField("tls", tls)
			l.Info("listening")
			var err error
			if tls {
				err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server terminated")
		return err
	}
	log.Info("server stopped")
	return nil
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
