// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"

	"github.com/TheThingsNetwork/hub-service-connector/messaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sendCmd = &cobra.Command{
	Use:   "send [device-id] [payload]",
	Short: "Send a device-bound message",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		conn := connect()
		defer conn.Close()

		client := messaging.NewSendClient(conn, ctx)
		message := &messaging.Message{
			Payload: []byte(args[1]),
			Ack:     messaging.Ack(config.GetString("ack")),
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration("timeout"))
		defer cancel()

		var err error
		if moduleID := config.GetString("module"); moduleID != "" {
			err = client.SendToModule(sendCtx, args[0], moduleID, message)
		} else {
			err = client.Send(sendCtx, args[0], message)
		}
		if err != nil {
			ctx.WithError(err).Fatal("Could not send message")
		}
		ctx.WithField("DeviceID", args[0]).Info("Message accepted")
	},
}

func init() {
	RootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("module", "", "Module ID to address on the device")
	sendCmd.Flags().String("ack", "", "Feedback to request (positive, negative or full)")

	viper.BindPFlags(sendCmd.Flags())
}
