/*
Copyright 2024 Outpost Technologies, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command outpost runs the control plane: the websocket front door for
// clients, gateways and relays, backed by Postgres and its logical
// replication change feed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/outpost-sh/outpost/lib/authz"
	"github.com/outpost-sh/outpost/lib/changestream"
	"github.com/outpost-sh/outpost/lib/defaults"
	"github.com/outpost-sh/outpost/lib/presence"
	"github.com/outpost-sh/outpost/lib/pubsub"
	"github.com/outpost-sh/outpost/lib/srv"
	"github.com/outpost-sh/outpost/lib/storage"
	"github.com/outpost-sh/outpost/lib/web"
)

func main() {
	app := kingpin.New("outpost", "Outpost control plane")
	listenAddr := app.Flag("listen", "Address to listen on.").Default("127.0.0.1:8081").String()
	metricsAddr := app.Flag("metrics-listen", "Address to serve metrics on; empty disables metrics.").Default("").String()
	databaseURL := app.Flag("database-url", "Postgres connection URL.").Envar("OUTPOST_DATABASE_URL").Required().String()
	rateLimit := app.Flag("rate-limit", "Connection attempts accepted per second; 0 disables limiting.").Default("0").Float64()
	debug := app.Flag("debug", "Enable verbose logging.").Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField(defaults.ComponentKey, "outpost")

	if err := run(*listenAddr, *metricsAddr, *databaseURL, rate.Limit(*rateLimit), log); err != nil {
		log.WithError(err).Fatal("Control plane exited.")
	}
}

func run(listenAddr, metricsAddr, databaseURL string, rateLimit rate.Limit, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, storage.Config{ConnString: databaseURL})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	bus := pubsub.NewBus()
	registry := presence.NewRegistry(bus, nil)

	stream, err := changestream.NewStream(changestream.Config{
		Pool: store.Pool(),
		Bus:  bus,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go stream.Run(ctx)

	handler, err := web.NewHandler(web.Config{
		Backend:   store,
		Bus:       bus,
		Presence:  registry,
		Gateways:  srv.NewGateways(),
		Authz:     authz.NewResolver(store, nil),
		Log:       log,
		RateLimit: rateLimit,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 2)
	go func() {
		log.WithField("addr", listenAddr).Info("Listening.")
		errC <- server.ListenAndServe()
	}()

	if metricsAddr != "" {
		metrics := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			errC <- metrics.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	case err := <-errC:
		return trace.Wrap(err)
	}
}
