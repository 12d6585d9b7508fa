package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/medtranslate/internal/app"
	"github.com/ent0n29/medtranslate/internal/config"
	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/translation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "medtranslate",
		Short:         "Live speech translation for clinical conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newLanguagesCmd())
	root.AddCommand(newTranslateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Error("config error", "err", err)
				return err
			}
			logger := app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "err", err)
		}
	}()
	logger.Info("translation provider", "provider", built.Translation.Provider, "detail", built.Translation.Detail)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-listenErr:
		logger.Error("listen error", "err", err)
		return err
	case <-ctx.Done():
	}
	runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

func newLanguagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printLanguages(cmd.OutOrStdout())
		},
	}
}

func printLanguages(w io.Writer) {
	for _, l := range language.Catalog() {
		marker := ""
		switch l.Code {
		case language.DefaultInput:
			marker = " (default input)"
		case language.DefaultOutput:
			marker = " (default output)"
		}
		fmt.Fprintf(w, "%-6s %s%s\n", l.Code, l.DisplayName, marker)
	}
}

func newTranslateCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "translate [text]",
		Short: "Translate one utterance with the configured provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			built, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer built.Cleanup()
			return translateOnce(cmd.Context(), cmd.OutOrStdout(), built.Translator, from, to, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&from, "from", language.DefaultInput, "source language code")
	cmd.Flags().StringVar(&to, "to", language.DefaultOutput, "target language code")
	return cmd
}

func translateOnce(ctx context.Context, w io.Writer, t translation.Translator, from, to, text string) error {
	langs := language.Config{Input: from, Output: to}
	if err := langs.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := t.Translate(ctx, translation.Request{
		SourceText:     text,
		SourceLanguage: langs.Input,
		TargetLanguage: langs.Output,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, resp.TranslatedText)
	return err
}
