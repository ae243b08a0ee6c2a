// ShopDesk — the customer-support turn pipeline for the shop.
//
// This is the main entry point for the shopdesk server. It provides:
//   - Chat API (guardrails, intent classification, tools, LLM fallback chain)
//   - Streaming chat over Server-Sent Events
//   - Trace inspection and ticket management
//   - A one-shot `ask` command for running a single turn from the shell

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/pkg/models"
	"github.com/agentoven/shopdesk/pkg/server"
)

var (
	debug    bool
	userID   string
	streamed bool

	rootCmd = &cobra.Command{
		Use:           "shopdesk",
		Short:         "Customer-support turn pipeline for the shop",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(debug)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	}

	askCmd = &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one support turn and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	askCmd.Flags().StringVarP(&userID, "user", "u", "user_001", "user id the turn runs as")
	askCmd.Flags().BoolVar(&streamed, "stream", false, "print the answer as it streams")

	rootCmd.AddCommand(serveCmd, askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("shopdesk failed")
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Info().Msg("🛒 ShopDesk starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.Close(context.Background())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🔥 ShopDesk is open for questions")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.WatchTables = false
	cfg.Trace.RetentionDays = 0

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.Close(context.Background())

	message := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if streamed {
		res, err := srv.Orchestrator.StreamTurn(ctx, userID, message, func(chunk string) error {
			_, err := fmt.Fprint(out, chunk)
			return err
		})
		fmt.Fprintln(out)
		if res != nil {
			logGuardWarnings(res.State.FinalResponse)
		}
		return err
	}

	res, err := srv.Orchestrator.Turn(ctx, userID, message)
	if res == nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if encErr := enc.Encode(res); encErr != nil {
		return encErr
	}
	return err
}

func logGuardWarnings(resp *models.Response) {
	if resp == nil || resp.Guard == nil || resp.Guard.Output == nil {
		return
	}
	if w := resp.Guard.Output.Warnings; len(w) > 0 {
		log.Warn().Strs("warnings", w).Msg("Output guard flagged the answer")
	}
}
