package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	"github.com/popwandee/lprserver-v3-sub001/pkg/transport"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Print the broker topics used by this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		topics := transport.NewTopics(cfg.Device.ID)
		out := cmd.OutOrStdout()
		for _, dt := range envelope.DataTypes {
			topic, _ := topics.PublishTopic(dt)
			d := transport.DeliveryFor(dt)
			fmt.Fprintf(out, "publish   %-45s qos=%d retain=%t\n", topic, d.QoS, d.Retain)
		}
		for topic, typ := range topics.Subscriptions() {
			fmt.Fprintf(out, "subscribe %-45s %s\n", topic, typ)
		}
		if cfg.Device.CheckpointID != "" {
			fmt.Fprintf(out, "status    %s\n", topics.Checkpoint(cfg.Device.CheckpointID))
		}
		fmt.Fprintf(out, "status    %s\n", topics.SystemHealth())
		return nil
	},
}
