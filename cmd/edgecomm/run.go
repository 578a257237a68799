package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/service"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the communication layer until interrupted",
	Long:  "run connects every enabled transport, keeps health and selection current and logs server-to-device messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := service.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		transport.SetPahoLoggers(logger)

		svc, err := service.New(cfg, service.WithLogger(logger))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return svc.Stop(context.Background())
			case msg := <-svc.Inbound():
				logger.Info("Inbound message",
					logging.String("transport", string(msg.Transport)),
					logging.String("type", string(msg.Type)),
					logging.String("topic", msg.Topic),
					logging.Int("bytes", len(msg.Payload)),
				)
			}
		}
	},
}
