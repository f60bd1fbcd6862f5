package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/embeddingstudio/embeddingstudio/studio-go/config"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/studiolog"
	"go.uber.org/zap"
)

func main() {
	args := struct {
		Port        int    `arg:"env:PORT" help:"port to listen on"`
		TrackingURI string `arg:"--tracking-uri" help:"MLflow tracking server, overrides MLFLOW_TRACKING_URI"`
		TrackingDB  string `arg:"--tracking-db" help:"local tracking database, overrides TRACKING_DB_PATH"`
	}{
		Port: 4445,
	}
	arg.MustParse(&args)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalln(err)
	}
	if args.TrackingURI != "" {
		cfg.TrackingURI = args.TrackingURI
	}
	if args.TrackingDB != "" {
		cfg.TrackingDBPath = args.TrackingDB
	}
	cfg.ConfigureRollbar()

	logger := studiolog.New(studiolog.Options{Name: "experiments-viewer", Debug: cfg.Debug})
	defer logger.Sync()

	manager, closer, err := cfg.NewManager(logger)
	if err != nil {
		logger.Fatal("unable to create experiments manager", zap.Error(err))
	}
	defer closer()

	ctx := context.Background()
	if err := manager.Open(ctx); err != nil {
		logger.Fatal("unable to open experiments manager", zap.Error(err))
	}
	defer manager.Close(ctx)

	host := "localhost"
	if n, err := os.Hostname(); err == nil {
		host = n
	}

	s := newServer(manager, logger)
	logger.Info(fmt.Sprintf("binding to address http://%s:%d", host, args.Port))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", args.Port), s.handler()); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
