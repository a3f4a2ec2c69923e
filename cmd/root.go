// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ctx *log.Logger

var logFile *os.File

// RootCmd is the main command that is executed when running hub-service-connector
var RootCmd = &cobra.Command{
	Use:   "hub-service-connector",
	Short: "Service-side connector for the IoT hub",
	Long:  `hub-service-connector sends device-bound messages and receives delivery feedback and file notifications over AMQP`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		logLevel := log.InfoLevel
		if config.GetBool("debug") {
			logLevel = log.DebugLevel
		}
		ctx = &log.Logger{
			Level:   logLevel,
			Handler: multi.New(logHandlers...),
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// Execute is called by main.go
func Execute() {
	defer func() {
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, false)
		if thePanic := recover(); thePanic != nil && ctx != nil {
			ctx.WithField("panic", thePanic).WithField("stack", string(buf)).Fatal("Stopping because of panic")
		}
	}()

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().String("log-file", "", "Location of the log file")
	RootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")

	RootCmd.PersistentFlags().String("hostname", "", "Host name of the hub")
	RootCmd.PersistentFlags().String("key-name", "service", "Name of the shared access policy")
	RootCmd.PersistentFlags().String("key", "", "Base64-encoded shared access key")
	RootCmd.PersistentFlags().Bool("websocket", false, "Force WebSocket transport")
	RootCmd.PersistentFlags().String("proxy", "", "Proxy URL for the WebSocket transport")
	RootCmd.PersistentFlags().Duration("timeout", time.Minute, "Default operation timeout")

	viper.BindPFlags(RootCmd.PersistentFlags())
}
