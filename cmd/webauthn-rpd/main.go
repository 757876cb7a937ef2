package main

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net/http"
	"os"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/heroku/webauthn-rp/rp"
	"github.com/heroku/webauthn-rp/server"
	"github.com/heroku/webauthn-rp/storage"
	"github.com/heroku/webauthn-rp/storage/disk"
	"github.com/heroku/webauthn-rp/storage/sql"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	Use:  "webauthn-rpd",
	RunE: run,
}

var ( // flags
	addr           string
	rpID           string
	rpName         string
	origin         string
	allowedOrigins []string
	dbPath         string
	dbURL          string
)

func init() {
	cmd.Flags().StringVar(&addr, "addr", "localhost:5557", "Address to listen on")
	cmd.Flags().StringVar(&rpID, "rp-id", "localhost", "Relying party ID, the effective domain credentials are scoped to")
	cmd.Flags().StringVar(&rpName, "rp-name", "webauthn-rp", "Relying party display name")
	cmd.Flags().StringVar(&origin, "origin", "http://localhost:5557", "Web origin ceremonies must be performed from")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "Origins allowed for CORS requests, if any")
	cmd.Flags().StringVar(&dbPath, "db", "webauthn-rp.db", "Path to the local credential database")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "Postgres URL. When set, it is used instead of the local database")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()

	store, err := openStorage(context.Background())
	if err != nil {
		return err
	}

	svc, err := rp.New(&rp.Config{
		RPID:    rpID,
		RPName:  rpName,
		Origin:  origin,
		Storage: store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	srv, err := server.New(server.Config{
		Service:            svc,
		AllowedOrigins:     allowedOrigins,
		Logger:             logger,
		PrometheusRegistry: registry,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.WithField("addr", addr).Info("listening")
	hsrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return hsrv.ListenAndServe()
}

func openStorage(ctx context.Context) (storage.Storage, error) {
	if dbURL != "" {
		db, err := stdsql.Open("postgres", dbURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres connection")
		}
		return sql.New(ctx, db)
	}
	return disk.New(dbPath, 0600)
}
