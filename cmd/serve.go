package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tutortoise/face-embedding-service/faceembed"
	"github.com/Tutortoise/face-embedding-service/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /face-embedding over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	analysis, closeAnalysis, err := openAnalysis(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAnalysis()

	svc := faceembed.NewService(analysis, logger.Named("faceembed"))
	srv, err := server.New(svc, analysis, logger.Named("server"), server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		LogTimings:      cfg.Server.LogTimings,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("server shutdown: %w", err)
	} else if err != nil {
		logger.Warn("shutdown timed out, in-flight requests dropped", zap.Error(err))
	}

	return <-errCh
}
