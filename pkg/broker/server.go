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

package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  signal.MaxMessageSize,
	WriteBufferSize: signal.MaxMessageSize,

	// peers authenticate by knowing each other's ids, the origin is irrelevant
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs upgrades /ws?id=<peer id> after reserving the id with the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}

		client := newClient(hub, id)
		if !hub.Register(client) {
			http.Error(w, "id in use", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warnw("failed to upgrade connection", err, "peerID", id)
			hub.Unregister(client)
			return
		}
		client.conn = conn

		go client.writePump()
		go client.readPump()
	}
}

type ServerParams struct {
	Port          uint32
	BindAddresses []string
	Logger        logger.Logger
}

type Server struct {
	params      ServerParams
	hub         *Hub
	httpServers []*http.Server
	running     atomic.Bool
	done        core.Fuse
}

func NewServer(params ServerParams) *Server {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	hub := NewHub(params.Logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", ServeWs(hub))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok %d\n", hub.NumClients())
	})

	n := negroni.New()
	// always the first
	n.Use(negroni.NewRecovery())
	n.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	n.UseHandler(mux)

	addresses := params.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	s := &Server{
		params: params,
		hub:    hub,
	}
	for _, addr := range addresses {
		s.httpServers = append(s.httpServers, &http.Server{
			Addr:              net.JoinHostPort(addr, fmt.Sprint(params.Port)),
			Handler:           n,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start blocks until Stop is called.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return errors.New("already running")
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0, len(s.httpServers))
	for _, srv := range s.httpServers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			s.running.Store(false)
			return err
		}
		listeners = append(listeners, ln)
	}

	go s.hub.Run()

	var eg errgroup.Group
	for i, srv := range s.httpServers {
		srv, ln := srv, listeners[i]
		s.params.Logger.Infow("starting signal broker", "address", srv.Addr)
		eg.Go(func() error {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	<-s.done.Watch()

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range s.httpServers {
		_ = srv.Shutdown(ctx)
	}
	s.hub.Stop()
	return eg.Wait()
}

func (s *Server) Stop() {
	s.done.Break()
}
