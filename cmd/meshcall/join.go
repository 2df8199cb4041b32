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
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/broker"
	"github.com/livekit/meshcall/pkg/call"
	"github.com/livekit/meshcall/pkg/config"
	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/presence"
	msignal "github.com/livekit/meshcall/pkg/signal"
	"github.com/livekit/meshcall/pkg/telemetry/prometheus"
	"github.com/livekit/meshcall/pkg/transport"
	"github.com/livekit/meshcall/pkg/utils"
)

func joinCall(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err = conf.ValidateCall(); err != nil {
		return err
	}

	var rc redis.UniversalClient
	if conf.Presence.Kind == config.PresenceKindRedis || conf.Signal.Kind == config.SignalKindRedis {
		rc = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Address,
			Username: conf.Redis.Username,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer rc.Close()
	}

	var dir presence.Directory
	if conf.Presence.Kind == config.PresenceKindLocal {
		dir = presence.NewLocalDirectory(logger.GetLogger())
	} else {
		dir = presence.NewRedisDirectory(rc, logger.GetLogger())
	}
	defer dir.Close()

	devices := media.NewFileDevices(media.FileDevicesParams{
		AudioFile:  conf.Media.AudioFile,
		VideoFile:  conf.Media.VideoFile,
		ScreenFile: conf.Media.ScreenFile,
		Loop:       conf.Media.Loop,
	})

	session := call.NewSession(call.Params{
		Room:             conf.Call.Room,
		Kind:             conf.Call.Kind,
		IsHost:           conf.Call.Host,
		DisplayName:      conf.Call.DisplayName,
		ReactionDuration: conf.Reaction.DisplayDuration,
		Directory:        dir,
		Devices:          devices,
		NewTransport:     newTransportFactory(conf, rc),
	})
	session.OnStatusChanged(func(status call.Status) {
		fmt.Printf("status: %s\n", status)
	})
	session.OnNotification(func(n call.Notification) {
		fmt.Printf("! %s\n", n.Message())
	})
	session.OnEnded(func(e call.EndedEvent) {
		logger.Infow("call ended", "room", e.Room, "host", e.IsHost)
	})

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	if err = session.Start(ctx); err != nil {
		return err
	}
	logger.Infow("joined room", "room", conf.Call.Room, "participant", session.LocalID())

	var (
		promServer *http.Server
		g          errgroup.Group
	)
	if conf.PrometheusPort > 0 {
		promServer = &http.Server{
			Addr:              net.JoinHostPort("", fmt.Sprint(conf.PrometheusPort)),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runCommands(ctx, session, conf, os.Stdin, os.Stdout)
	}()

	select {
	case sig := <-sigChan:
		logger.Infow("exit requested, leaving call", "signal", sig)
		<-session.CloseInBackground()
	case <-done:
		session.Close()
	}

	if promServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = promServer.Shutdown(shutdownCtx)
	}
	return g.Wait()
}

var _ controller = (*call.Session)(nil)

// local signalling shares one hub per process
var localHub = msignal.NewLocalHub(logger.GetLogger())

func newTransportFactory(conf *config.Config, rc redis.UniversalClient) call.TransportFactory {
	return func(ctx context.Context) (transport.Transport, error) {
		id := utils.NewGuid(utils.PeerPrefix)
		l := logger.GetLogger().WithValues("participant", id)

		var (
			s   msignal.Signaller
			err error
		)
		switch conf.Signal.Kind {
		case config.SignalKindLocal:
			s, err = localHub.Register(id)
		case config.SignalKindRedis:
			s, err = msignal.NewRedisSignaller(ctx, rc, id, l)
		case config.SignalKindWS:
			s, err = msignal.DialWS(ctx, conf.Signal.URL, id, l)
		default:
			err = config.ErrInvalidSignal
		}
		if err != nil {
			return nil, err
		}

		t, err := transport.NewPCTransport(transport.TransportParams{
			Signaller:        s,
			ICEServers:       conf.RTC.ICEServers(),
			ICEGatherTimeout: conf.RTC.ICEGatherTimeout,
			Workers:          conf.RTC.Workers,
			PionLogLevel:     conf.Logging.PionLevel,
			Logger:           l,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		prometheus.Init(id)
		return t, nil
	}
}

func runBroker(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	server := broker.NewServer(broker.ServerParams{
		Port:          conf.Broker.Port,
		BindAddresses: conf.Broker.BindAddresses,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}
