// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	systemdDaemon "github.com/coreos/go-systemd/v22/daemon"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"

	"strata.dev/pkg/daemon"
	"strata.dev/pkg/internal/config"
	"strata.dev/pkg/store"
)

// shutdownGrace is how long a graceful HTTP shutdown waits for
// in-flight requests before returning.
const shutdownGrace = 5 * time.Second

// newServeCommand builds a small read-only HTTP front end over the
// build daemon: given a store path, it answers whether the path is
// valid and, if so, what the daemon knows about it. It does not expose
// any operation that mutates the store; add-text and build stay
// command-line only.
func newServeCommand(cfg *config.Config) *cobra.Command {
	var listenAddr string
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "run a read-only HTTP status server over the build daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&listenAddr, "listen", "localhost:7312", "`address` to listen on")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, listenAddr)
	}
	return c
}

func runServe(ctx context.Context, cfg *config.Config, listenAddr string) error {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer l.Close()

	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		log.Infof(ctx, "serve: listening on http://%s", l.Addr())
	} else {
		log.Infof(ctx, "serve: listening on %s", l.Addr())
	}

	srv := &statusServer{cfg: cfg}
	httpServer := &http.Server{
		Handler: srv,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	sent, err := systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyReady)
	if err != nil {
		log.Debugf(ctx, "serve: sd_notify READY: %v", err)
	} else if sent {
		log.Debugf(ctx, "serve: notified systemd of readiness")
	}

	errc := make(chan error, 1)
	go func() { errc <- httpServer.Serve(l) }()

	select {
	case <-ctx.Done():
		systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type statusServer struct {
	cfg *config.Config
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.Handle("/path-info", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(s.pathInfo),
	})
	mux.ServeHTTP(w, r)
}

func (s *statusServer) pathInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := r.URL.Query().Get("path")
	if p == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	client, err := daemon.Dial(ctx, s.cfg.DaemonSock)
	if err != nil {
		log.Errorf(ctx, "serve: dial daemon: %v", err)
		http.Error(w, "could not reach build daemon", http.StatusBadGateway)
		return
	}
	defer client.Close(ctx)

	info, err := client.QueryPathInfo(ctx, store.Path(p))
	if err != nil {
		http.Error(w, fmt.Sprintf("not found: %s", url.QueryEscape(p)), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsonv2.MarshalWrite(w, info); err != nil {
		log.Errorf(ctx, "serve: encode response: %v", err)
	}
}
