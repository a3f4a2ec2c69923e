// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"strings"

	"github.com/TheThingsNetwork/hub-service-connector/amqpconn"
	"github.com/TheThingsNetwork/hub-service-connector/token"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "hub"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Println("Error when reading config file:", err)
		} else {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.BindEnv("debug")
}

var config = viper.GetViper()

// connect builds the connection Manager from the configuration
func connect() *amqpconn.Manager {
	provider, err := token.NewSharedAccessKey(config.GetString("key-name"), config.GetString("key"))
	if err != nil {
		ctx.WithError(err).Fatal("Could not load shared access key")
	}
	conn, err := amqpconn.New(amqpconn.Config{
		HostName:         config.GetString("hostname"),
		TokenProvider:    provider,
		WebSocket:        config.GetBool("websocket"),
		ProxyURL:         config.GetString("proxy"),
		OperationTimeout: config.GetDuration("timeout"),
	}, ctx)
	if err != nil {
		ctx.WithError(err).Fatal("Could not configure connection")
	}
	return conn
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file location")
}
