package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aihub/docrag/app/router"
	"github.com/aihub/docrag/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Starts the HTTP API (ingest, search, validate, stats, health and metrics).
When kafka.request_topic is configured, ingest requests are also consumed from Kafka.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port; defaults to server.port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if app == nil {
		return errors.New("serve requires a bootstrapped application")
	}

	deps, err := app.Routes()
	if err != nil {
		return fmt.Errorf("wire routes: %w", err)
	}
	router.Init(deps)

	ctx, stop := signalContext(cmd)
	defer stop()
	if err := app.StartBackground(ctx); err != nil {
		return err
	}

	port := app.Config.Server.Port
	if servePort > 0 {
		port = servePort
	}
	web.BConfig.AppName = app.Config.App.Name
	web.BConfig.CopyRequestBody = true
	web.BConfig.Listen.HTTPPort = port
	if app.Config.App.Env == "production" {
		web.BConfig.RunMode = web.PROD
	}

	// 直接用 BeeApp 的路由处理器，便于收到信号时优雅退出
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           web.BeeApp.Handlers,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting docrag API", zap.Int("port", port))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down docrag API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
