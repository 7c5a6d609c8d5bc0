package main

import (
	"context"
	"fmt"
	"time"

	"github.com/antiduh/MiniBus/examples/echo"
	"github.com/antiduh/MiniBus/gateway"
	"github.com/antiduh/MiniBus/gateway/client"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/reconnect"
	"github.com/antiduh/MiniBus/transports/memory"
	"github.com/spf13/cobra"
)

func newDemoCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the echo demo in process",
		Long: `Run an echo service, a gateway and two clients against an in-memory
broker: one client talks to the broker directly, the other through the gateway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return a.runDemo(ctx, cmd)
		},
	}

	cmd.Flags().Int("count", 5, "Requests per conversation")
	return cmd
}

func (a *app) runDemo(ctx context.Context, cmd *cobra.Command) error {
	busOpts := []messaging.Option{messaging.WithLogger(a.logger), messaging.WithMetrics(a.metrics)}
	out := cmd.OutOrStdout()
	count := a.v.GetInt("count")

	broker := memory.NewBroker(memory.WithLogger(a.logger))
	defer broker.Close()

	server, err := messaging.NewServerBus(ctx, broker.NewTransport(), busOpts...)
	if err != nil {
		return err
	}
	defer server.Close()
	if err := echo.NewService(0, a.logger).Connect(ctx, server); err != nil {
		return err
	}

	direct, err := messaging.NewClientBus(ctx, broker.NewTransport(), busOpts...)
	if err != nil {
		return err
	}
	defer direct.Close()

	directClient, err := echo.NewClient(direct, echo.DefaultTimeout)
	if err != nil {
		return err
	}
	if err := directClient.DoMultiEcho(ctx, "Hello", count); err != nil {
		return fmt.Errorf("broker demo: %w", err)
	}
	fmt.Fprintln(out, "Broker demo complete.")

	svc := gateway.NewService(broker.NewTransport(),
		gateway.WithListenAddress("127.0.0.1:0"),
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.metrics))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	remote := client.NewClientBus(reconnect.NewHostList(svc.Addr().String()),
		client.WithLogger(a.logger),
		client.WithMetrics(a.metrics))
	defer remote.Close()

	remoteClient, err := echo.NewClient(remote, echo.DefaultTimeout)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := remote.Start(startCtx); err != nil {
		return err
	}
	if err := remoteClient.DoMultiEcho(ctx, "Hello", count); err != nil {
		return fmt.Errorf("gateway demo: %w", err)
	}
	fmt.Fprintln(out, "Gateway demo complete.")
	return nil
}
