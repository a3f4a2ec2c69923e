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
)

var fileNotificationsCmd = &cobra.Command{
	Use:   "filenotifications",
	Short: "Receive file-upload notifications",
	Run: func(cmd *cobra.Command, args []string) {
		conn := connect()
		defer conn.Close()

		receiver := messaging.NewFileNotificationReceiver(conn, 0, ctx)
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
			event, err := receiver.Receive(receiveCtx)
			cancel()
			if err != nil {
				ctx.WithError(err).Warn("Could not receive file notification")
				time.Sleep(time.Second)
				continue
			}
			if event == nil {
				continue
			}
			ctx.WithFields(log.Fields{
				"DeviceID": event.DeviceID,
				"BlobName": event.BlobName,
				"Size":     event.BlobSizeInBytes,
			}).Info("Received file notification")
			settleCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration("timeout"))
			if err := receiver.Complete(settleCtx, event); err != nil {
				ctx.WithError(err).Warn("Could not complete file notification")
			}
			cancel()
		}
	},
}

func init() {
	RootCmd.AddCommand(fileNotificationsCmd)
}
