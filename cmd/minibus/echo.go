package main

import (
	"context"
	"fmt"
	"time"

	"github.com/antiduh/MiniBus/examples/echo"
	"github.com/antiduh/MiniBus/gateway/client"
	"github.com/antiduh/MiniBus/health"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/reconnect"
	"github.com/spf13/cobra"
)

func newEchoServiceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo-service",
		Short: "Run echo service instances against RabbitMQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			instances := a.v.GetInt("instances")
			for i := 0; i < instances; i++ {
				transport, err := a.dialBroker(ctx)
				if err != nil {
					return err
				}
				defer transport.Close()
				a.health.Register(health.NewConnectionChecker(fmt.Sprintf("broker-%d", i), transport.IsConnected))

				bus, err := messaging.NewServerBus(ctx, transport,
					messaging.WithLogger(a.logger),
					messaging.WithMetrics(a.metrics))
				if err != nil {
					return err
				}
				defer bus.Close()

				if err := echo.NewService(i, a.logger).Connect(ctx, bus); err != nil {
					return err
				}
			}

			defer a.serveHTTP()()
			a.logger.Info("echo service running", "instances", instances)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().Int("instances", 1, "Number of service instances, each with its own connection")
	return cmd
}

func newEchoClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo-client [text]",
		Short: "Send echo requests through RabbitMQ or a gateway",
		Long: `Send echo requests and check the replies. With --gateway the client
connects to one of the given gateways instead of RabbitMQ.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			text := "Hello"
			if len(args) == 1 {
				text = args[0]
			}

			bus, closeBus, err := a.echoBus(ctx)
			if err != nil {
				return err
			}
			defer closeBus()

			c, err := echo.NewClient(bus, a.v.GetDuration("timeout"))
			if err != nil {
				return err
			}
			if starter, ok := bus.(interface{ Start(context.Context) error }); ok {
				if err := starter.Start(ctx); err != nil {
					return err
				}
			}

			defer a.serveHTTP()()
			return a.runEchoes(ctx, cmd, c, text)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("gateway", nil, "Gateway host:port, may be repeated; empty uses RabbitMQ directly")
	flags.Int("count", 1, "Requests per conversation")
	flags.Int("repeat", 1, "Number of conversations, 0 runs until interrupted")
	flags.Duration("interval", time.Second, "Pause between conversations")
	flags.Duration("timeout", echo.DefaultTimeout, "Wait for each reply")
	flags.Duration("heartbeat", 10*time.Second, "Gateway heartbeat interval, 0 disables")
	return cmd
}

// echoBus returns a gateway client bus when gateways are configured and a
// broker client bus otherwise. Gateway buses are returned unstarted.
func (a *app) echoBus(ctx context.Context) (echo.Bus, func(), error) {
	if hosts := a.v.GetStringSlice("gateway"); len(hosts) > 0 {
		heartbeat := a.v.GetDuration("heartbeat")
		bus := client.NewClientBus(reconnect.NewHostList(hosts...),
			client.WithLogger(a.logger),
			client.WithMetrics(a.metrics),
			client.WithHeartbeat(heartbeat))
		a.health.Register(health.NewConnectionChecker("gateway", bus.Connected))
		if heartbeat > 0 {
			a.health.Register(health.NewHeartbeatChecker("heartbeat", bus.LastHeartbeat, 3*heartbeat))
		}
		return bus, func() { bus.Close() }, nil
	}

	transport, err := a.dialBroker(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.health.Register(health.NewConnectionChecker("broker", transport.IsConnected))
	bus, err := messaging.NewClientBus(ctx, transport,
		messaging.WithLogger(a.logger),
		messaging.WithMetrics(a.metrics))
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	return bus, func() {
		bus.Close()
		transport.Close()
	}, nil
}

func (a *app) runEchoes(ctx context.Context, cmd *cobra.Command, c *echo.Client, text string) error {
	count := a.v.GetInt("count")
	repeat := a.v.GetInt("repeat")
	interval := a.v.GetDuration("interval")

	for i := 0; repeat == 0 || i < repeat; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}

		start := time.Now()
		if err := c.DoMultiEcho(ctx, text, count); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("echo %d failed: %w", i+1, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "echo %d: %d round trips in %s\n", i+1, count, time.Since(start).Round(time.Microsecond))
	}
	return nil
}
