// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/hub-service-connector/messaging"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Receive delivery feedback for device-bound messages",
	Run: func(cmd *cobra.Command, args []string) {
		conn := connect()
		defer conn.Close()

		receiver := messaging.NewFeedbackReceiver(conn, int32(config.GetInt("prefetch")), ctx)
		defer receiver.Close(context.Background())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case sig := <-sigChan:
				ctx.WithField("signal", sig).Info("signal received")
				return
			default:
			}
			receiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			batch, err := receiver.Receive(receiveCtx)
			cancel()
			if err != nil {
				ctx.WithError(err).Warn("Could not receive feedback")
				time.Sleep(time.Second)
				continue
			}
			if batch == nil {
				continue
			}
			for _, record := range batch.Records {
				ctx.WithFields(log.Fields{
					"DeviceID":          record.DeviceID,
					"OriginalMessageID": record.OriginalMessageID,
					"Status":            record.StatusCode,
				}).Info("Received feedback")
			}
			settleCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration("timeout"))
			if err := receiver.Complete(settleCtx, batch); err != nil {
				ctx.WithError(err).Warn("Could not complete feedback batch")
			}
			cancel()
		}
	},
}

func init() {
	RootCmd.AddCommand(feedbackCmd)

	feedbackCmd.Flags().Int("prefetch", 0, "Number of messages to prefetch (0 pulls one at a time)")

	viper.BindPFlags(feedbackCmd.Flags())
}
