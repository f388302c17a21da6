package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/chrisdmacrae/romulator/internal/api"
	"github.com/chrisdmacrae/romulator/internal/catalog"
	"github.com/chrisdmacrae/romulator/internal/config"
	"github.com/chrisdmacrae/romulator/internal/notify"
	"github.com/chrisdmacrae/romulator/internal/organizer"
	"github.com/chrisdmacrae/romulator/internal/queue"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/chrisdmacrae/romulator/internal/statestore"
	"github.com/chrisdmacrae/romulator/internal/transfer"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the download queue with its HTTP API and event stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address"},
			&cli.StringFlag{Name: "download-dir", Usage: "directory receiving downloads"},
			&cli.StringFlag{Name: "catalog-url", Usage: "listing used for items enqueued without one"},
			&cli.StringFlag{Name: "state-url", Usage: "bucket URL or directory for the persisted state"},
			&cli.StringFlag{Name: "ruleset", Usage: "organizer ruleset applied after each download"},
			&cli.StringFlag{Name: "rulesets-file", Usage: "YAML file defining organizer rulesets"},
			&cli.StringFlag{Name: "library-dir", Usage: "root directory for organized files"},
			&cli.StringFlag{Name: "library-bucket", Usage: "bucket URL organized files are mirrored to"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c, config.Config{
		Addr:          c.String("addr"),
		DownloadDir:   c.String("download-dir"),
		CatalogURL:    c.String("catalog-url"),
		StateURL:      c.String("state-url"),
		Ruleset:       c.String("ruleset"),
		RulesetsFile:  c.String("rulesets-file"),
		LibraryDir:    c.String("library-dir"),
		LibraryBucket: c.String("library-bucket"),
	})
	if err != nil {
		return invalidArgs(err)
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return invalidArgs(err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	hub := notify.NewHub(cfg.SubscriberBuffer, component(logger, "notify"))
	rm := room.New(
		room.WithPublisher(hub.PublishRoom),
		room.WithHistoryLimit(cfg.HistoryLimit),
		room.WithLogger(component(logger, "room")),
	)

	store, err := statestore.Open(ctx, cfg.StateURL, cfg.StateKey, component(logger, "statestore"))
	if err != nil {
		return cli.Exit(err.Error(), ExitStorageError)
	}
	defer store.Close()

	restored, err := store.Restore(ctx, rm)
	if err != nil {
		return cli.Exit(err.Error(), ExitStorageError)
	}
	if restored {
		logger.Info().Int("items", len(rm.Snapshot().Items)).Msg("restored queue state")
	}

	// Restored items restart from scratch, so leftovers are garbage.
	if n, err := transfer.RemovePartials(cfg.DownloadDir); err != nil {
		logger.Warn().Err(err).Msg("removing partial downloads")
	} else if n > 0 {
		logger.Info().Int("files", n).Msg("removed partial downloads")
	}

	scraper := catalog.NewScraper(cfg.HTTPOptions(), component(logger, "catalog"))
	qcfg := queue.Config{
		Room:             rm,
		Transfer:         transfer.New(cfg.TransferOptions(), component(logger, "transfer")),
		Resolver:         scraper,
		Progress:         hub,
		DownloadDir:      cfg.DownloadDir,
		Ruleset:          cfg.Ruleset,
		DefaultParentURL: cfg.CatalogURL,
		Logger:           component(logger, "queue"),
	}
	if cfg.Ruleset != "" {
		org, closeLibrary, err := openOrganizer(ctx, cfg, component(logger, "organizer"))
		if err != nil {
			return cli.Exit(err.Error(), ExitStorageError)
		}
		defer closeLibrary()
		qcfg.Organizer = org
	}
	proc := queue.New(qcfg)

	// The store outlives the worker so the final save sees the requeued
	// item.
	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		store.Run(storeCtx, rm, cfg.StateInterval)
	}()
	go rm.RunSweeper(ctx, cfg.SweepInterval, cfg.IdleTimeout)

	proc.StartProcessing()

	server := &api.API{
		Queue:      proc,
		Catalog:    scraper,
		Events:     notify.NewHandler(hub, proc.Snapshot, component(logger, "websocket")),
		CatalogURL: cfg.CatalogURL,
		Logger:     component(logger, "api"),
	}
	runErr := server.Run(ctx, cfg.Addr)
	cancel()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if err := proc.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("worker did not stop in time")
	}
	stopStore()
	<-storeDone

	if runErr != nil {
		return cli.Exit(runErr.Error(), ExitGeneralError)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// openOrganizer loads the rulesets and the optional library bucket. The
// returned func closes the bucket.
func openOrganizer(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*organizer.Organizer, func(), error) {
	rules, err := organizer.LoadRulesets(cfg.RulesetsFile)
	if err != nil {
		return nil, nil, err
	}

	var bkt *blob.Bucket
	if cfg.LibraryBucket != "" {
		if bkt, err = blob.OpenBucket(ctx, cfg.LibraryBucket); err != nil {
			return nil, nil, fmt.Errorf("open library bucket: %w", err)
		}
	}
	closeFn := func() {
		if bkt != nil {
			if err := bkt.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing library bucket")
			}
		}
	}

	org := organizer.New(rules, cfg.LibraryDir, bkt, logger)
	if !org.Has(cfg.Ruleset) {
		closeFn()
		return nil, nil, fmt.Errorf("%w: %q", organizer.ErrUnknownRuleset, cfg.Ruleset)
	}
	return org, closeFn, nil
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
