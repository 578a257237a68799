package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/ingest"
	"github.com/popwandee/lprserver-v3-sub001/pkg/logging"
	"github.com/popwandee/lprserver-v3-sub001/pkg/service"
)

var ingestAddr string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Serve the request endpoints and log what arrives",
	Long:  "ingest is a development server for the request transport. Accepted envelopes are logged, not stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := service.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}

		sink := ingest.SinkFunc(func(_ context.Context, env *envelope.Envelope) error {
			logger.Info("Envelope received",
				logging.String("message_id", env.MessageID),
				logging.String("device", env.EdgeDeviceID),
				logging.String("data_type", string(env.DataType)),
				logging.String("transport", env.Metadata.Transport),
			)
			return nil
		})
		srv := &http.Server{
			Addr:              ingestAddr,
			Handler:           ingest.NewHandler(sink, ingest.WithToken(cfg.Request.Token), ingest.WithLogger(logger)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		logger.Info("Ingest server listening", logging.String("addr", ingestAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestAddr, "addr", ":8765", "Listen address")
}
