package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-pos-sync/internal/config"
	"github.com/ariefcatur/go-pos-sync/internal/httpx"
	kafkax "github.com/ariefcatur/go-pos-sync/internal/kafka"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
	"github.com/ariefcatur/go-pos-sync/internal/remote"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "possync",
		Short:        "Keeps POS orders, payments, tables and bookings in step with the remote ordering service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), sendOrderCmd(), dissociateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stream listener, dispatcher, watchdog and operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := cfg.Logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			disp := reconcile.NewDispatcher(a.engine,
				reconcile.WithWorkers(cfg.DispatchWorkers),
				reconcile.WithDeduper(a.dedup))
			disp.Start(ctx)
			defer disp.Close()

			dog := reconcile.NewWatchdog(a.engine, cfg.StreamTimeout)
			stream := remote.NewStream(remote.StreamConfig{
				URL:             cfg.RemoteStreamURL,
				Token:           cfg.RemoteToken,
				LocationID:      cfg.LocationID,
				InitialInterval: cfg.RetryInitial,
				MaxInterval:     cfg.RetryMax,
			}, disp, dog, log)

			router := httpx.NewRouter(log, a.reg)
			(&httpx.OperatorHandler{Engine: a.engine, Conflicts: a.store, Stream: dog}).Register(router)
			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return stream.Run(ctx) })
			g.Go(func() error {
				dog.Run(ctx, 5*time.Second)
				return nil
			})
			if len(cfg.KafkaBrokers) > 0 {
				cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ServiceName+"-pos-changes", orders.TopicPOSChanges, 4, log)
				g.Go(func() error {
					return cons.Start(ctx, kafkax.POSChangeHandler(a.engine, 30*time.Second, log))
				})
			}
			g.Go(func() error {
				log.WithField("addr", cfg.HTTPAddr).Info("http listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}

func sendOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-order <pos-order-id>",
		Short: "Push one POS order to the remote service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.engine.SendOrder(ctx, args[0])
			})
		},
	}
}

func dissociateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dissociate",
		Short: "Release every live checkin from its tables, keeping their orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.engine.DissociateCheckins(ctx)
			})
		},
	}
}

func oneShot(cmd *cobra.Command, run func(context.Context, *app) (any, error)) error {
	cfg := config.Load()
	log := cfg.Logger()
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	out, err := run(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
