/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seckatie/bookshot/internal/core"
	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/core/web"
	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/metrics"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bookshot",
	Short: "Bookmark service with background page screenshots",
	Long: `bookshot stores bookmarks and captures a screenshot of every bookmarked
page in the background.

Running it without a subcommand starts the HTTP API, the capture workers and
the sweeper that re-queues captures lost across restarts. Failed captures are
retried with exponential backoff before being marked failed.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("db", "d", "bookshot.db", "Path to the SQLite database file")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.Flags().String("host", "localhost", "Host to listen on")
	rootCmd.Flags().IntP("capture-workers", "w", 2, "Number of screenshot capture workers to run")
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	log.Debugf("configuration: %+v", cfg.Redacted())

	database, err := initDB(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Warn("failed to close database", logger.Error(err))
		}
	}()

	store, filesDir, err := initStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	q, closeQueue, err := initQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeQueue()

	m := metrics.New()
	svc := newService(cfg, database, store, newCapturer(cfg, false), q, log, m)

	database.RegisterEventListener(db.OnBookmarkCreatedEvent, func(event db.Event) error {
		ev := event.(db.BookmarkCreatedEvent)
		log.Debug("bookmark created, queuing screenshot",
			logger.String("bookmark_id", ev.Bookmark.ID),
			logger.String("url", ev.Bookmark.URL))
		return svc.HandleEvent(event)
	})
	database.RegisterEventListener(db.OnScreenshotSavedEvent, func(event db.Event) error {
		ev := event.(db.ScreenshotSavedEvent)
		log.Debug("screenshot state saved",
			logger.String("bookmark_id", ev.BookmarkID),
			logger.String("status", string(ev.Status)),
			logger.Int("retries", ev.Retries))
		return nil
	})

	runner := core.NewRunner(q, svc, cfg.Capture.Workers, log)
	sweeper := core.NewSweeper(svc, core.SweeperOptions{
		Interval:   cfg.Capture.SweepInterval,
		StaleAfter: cfg.Capture.StaleAfter,
	})
	server := web.NewServer(cfg.Server.Addr(), database, svc, web.Options{
		Logger:   log,
		Metrics:  m,
		FilesDir: filesDir,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("bookshot stopped")
	return err
}
