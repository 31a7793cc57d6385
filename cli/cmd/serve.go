package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/flowgate/app"
	"github.com/BDNK1/flowgate/server"
)

var (
	serveAddr string
	noWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestrator HTTP API",
	Long: `Starts the HTTP API under /api/orchestrator and the Prometheus endpoint
at /metrics. Flow and template files are watched and reloaded on change.

Example:
  flowgate serve --config config/settings.yaml
  flowgate serve --addr :9090 --no-watch
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch flow and template files")
}

func runServe(cmd *cobra.Command, args []string) error {
	s, l, err := loadSettings()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		s.Server.Addr = serveAddr
	}
	gin.SetMode(s.Server.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, s, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			l.Error("Failed to close resources", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if !noWatch {
		g.Go(func() error { return a.Watch(ctx) })
	}
	g.Go(func() error {
		return server.New(a.Orchestrator, a.Registry, l).Run(ctx, s.Server.Addr)
	})
	return g.Wait()
}
