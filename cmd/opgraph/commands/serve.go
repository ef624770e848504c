package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr   string
	serveListen bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the graph API and the consent change feed",
	Long: `Run the HTTP API described by server.yaml of the selected context.

With database_url set, tiles are read through Postgres (or engine.url
when set), consent is stored in Postgres and changes arrive through
LISTEN/NOTIFY. Without it, consent lives in memory and follows are read
from the badger graph in graph_dir (see 'opgraph graph import').

Examples:
  opgraph serve
  opgraph serve --addr :9000 -v
  opgraph serve --listen=false`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.yaml addr, default :8080)")
	serveCmd.Flags().BoolVar(&serveListen, "listen", true, "run the consent change listener")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadService[config.Server](config.ServiceServer)
	if err != nil {
		return err
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.Addr
	}
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.start(ctx, serveListen); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           st.server,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve: listening", "addr", addr, "graph_version", st.planner.GraphVersion(), "listener", serveListen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("serve: shutting down", "sessions", st.hub.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	return nil
}
