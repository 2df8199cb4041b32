// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/config"
	"github.com/livekit/meshcall/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to meshcall config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "meshcall config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MESHCALL_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "room",
		Usage:   "room to join",
		EnvVars: []string{"MESHCALL_ROOM"},
	},
	&cli.StringFlag{
		Name:  "name",
		Usage: "display name shown to other participants",
	},
	&cli.BoolFlag{
		Name:  "host",
		Usage: "join as the host of the call",
	},
	&cli.BoolFlag{
		Name:  "audio-only",
		Usage: "join an audio call, no camera",
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "signal-url",
		Usage: "websocket url of a signal broker, switches signalling to ws",
	},
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address the broker listens on, use flag multiple times to specify multiple addresses",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "meshcall",
		Usage:       "peer to peer mesh video calls",
		Description: "run without subcommands to join the configured room",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      joinCall,
		Commands: []*cli.Command{
			{
				Name:   "join",
				Usage:  "join a room and read call commands from stdin",
				Action: joinCall,
			},
			{
				Name:   "broker",
				Usage:  "run the websocket signal broker",
				Action: runBroker,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
