package main

import (
	"github.com/antiduh/MiniBus/gateway"
	"github.com/antiduh/MiniBus/health"
	"github.com/spf13/cobra"
)

func newGatewayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the TCP gateway",
		Long:  "Accept remote client connections and relay their requests and replies through RabbitMQ.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			transport, err := a.dialBroker(ctx)
			if err != nil {
				return err
			}
			defer transport.Close()

			svc := gateway.NewService(transport,
				gateway.WithListenAddress(a.v.GetString("listen")),
				gateway.WithWriteTimeout(a.v.GetDuration("write-timeout")),
				gateway.WithLogger(a.logger),
				gateway.WithMetrics(a.metrics))
			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer svc.Close()

			a.health.Register(health.NewConnectionChecker("broker", transport.IsConnected))
			a.health.Register(health.NewSessionChecker("gateway", svc.SessionCount))
			defer a.serveHTTP()()

			a.logger.Info("gateway running", "address", svc.Addr().String())
			<-ctx.Done()
			a.logger.Info("gateway shutting down")
			return nil
		},
	}

	cmd.Flags().String("listen", gateway.DefaultListenAddress, "TCP address to accept clients on")
	cmd.Flags().Duration("write-timeout", gateway.DefaultWriteTimeout, "Deadline for writes to a client")
	return cmd
}
