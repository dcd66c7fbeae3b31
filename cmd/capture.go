/*
Copyright © 2025 Katie Mulliken <katie@mulliken.net>
*/

// The capture command runs one synchronous screenshot attempt for a bookmark.
//
// It is meant for recovery and debugging: the attempt goes through the same
// state machine as the background workers, so a failure is recorded on the
// bookmark and counts towards its retries. Retries it schedules are left to
// the server's sweeper.
//
// Example usage:
//
//	bookshot capture --id=0b6c1f3e-... --reset --timeout=30s
//	bookshot capture --id=0b6c1f3e-... --headful --chrome-path="/path/to/chrome"
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seckatie/bookshot/internal/core/db"
	"github.com/seckatie/bookshot/internal/logger"
	"github.com/seckatie/bookshot/internal/queue"
)

// captureCmd represents the capture command
var captureCmd = &cobra.Command{
	Use:          "capture",
	Short:        "Capture a bookmark's screenshot now",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runCapture(cmd); err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		return nil
	},
}

func runCapture(cmd *cobra.Command) error {
	id, err := cmd.Flags().GetString("id")
	if err != nil {
		return fmt.Errorf("failed to read --id: %w", err)
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	reset, err := cmd.Flags().GetBool("reset")
	if err != nil {
		return fmt.Errorf("failed to read --reset: %w", err)
	}
	headful, err := cmd.Flags().GetBool("headful")
	if err != nil {
		return fmt.Errorf("failed to read --headful: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		if cfg.Capture.Timeout, err = cmd.Flags().GetDuration("timeout"); err != nil {
			return fmt.Errorf("failed to read --timeout: %w", err)
		}
	}
	if f := cmd.Flags().Lookup("chrome-path"); f != nil && f.Changed {
		cfg.Capture.ChromePath = f.Value.String()
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	database, err := initDB(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Warn("failed to close database", logger.Error(err))
		}
	}()

	ctx := cmd.Context()
	store, _, err := initStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Nothing consumes this queue. Pending retries are picked up by the
	// server's sweeper.
	q := queue.NewMemoryQueue()
	defer q.Close()

	svc := newService(cfg, database, store, newCapturer(cfg, headful), q, log, nil)
	b, err := svc.CaptureNow(ctx, id, reset)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "bookmark %s: screenshot %s (retries %d)\n", b.ID, b.Screenshot.Status, b.Screenshot.Retries)
	if b.Screenshot.URL != nil {
		fmt.Fprintf(out, "url: %s\n", *b.Screenshot.URL)
	}
	if b.Screenshot.Error != nil && b.Screenshot.Status != db.ScreenshotCompleted {
		fmt.Fprintf(out, "last error: %s\n", *b.Screenshot.Error)
	}
	if b.Screenshot.Status == db.ScreenshotFailed {
		return fmt.Errorf("screenshot for %s failed after %d retries", b.ID, b.Screenshot.Retries)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().String("id", "", "Bookmark id to capture")
	captureCmd.Flags().Bool("reset", false, "Reset a completed or failed screenshot before capturing")
	captureCmd.Flags().Duration("timeout", 0, "Capture timeout (0 = configured default)")
	captureCmd.Flags().String("chrome-path", "", "Path to Chrome/Chromium executable")
	captureCmd.Flags().Bool("headful", false, "Run Chrome with a visible window (not headless)")
}
