package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/service"
)

var (
	sendType    string
	sendFile    string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one envelope built from a JSON payload file",
	Long:  "send connects, submits a single envelope through the fallback cascade and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(sendFile)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Admin.Enabled = false

		svc, err := service.New(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		if err := svc.Start(ctx); err != nil {
			return err
		}
		defer svc.Stop(context.Background())

		env, err := svc.Submit(ctx, envelope.DataType(sendType), json.RawMessage(data))
		if err != nil {
			return err
		}
		stats := svc.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s) via %s\n", env.MessageID, env.DataType, svc.Status().Current)
		if stats.Fallbacks > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "fallbacks: %d\n", stats.Fallbacks)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", string(envelope.DataTypeDetection), "Data type: detection, health, config or control")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Path to the JSON payload")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Overall deadline for connect and send")
	sendCmd.MarkFlagRequired("file")
}
