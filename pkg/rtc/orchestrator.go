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

package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/presence"
	"github.com/livekit/meshcall/pkg/telemetry/prometheus"
	"github.com/livekit/meshcall/pkg/transport"
	"github.com/livekit/meshcall/pkg/utils"
)

const (
	defaultPresenceCacheSize = 64
	defaultCleanupTimeout    = 5 * time.Second
	placeholderIDLength      = 6
)

var ErrOrchestratorClosed = errors.New("orchestrator closed")

type OrchestratorParams struct {
	Room        string
	Transport   transport.Transport
	Directory   presence.Directory
	LocalStream *media.Stream
	TieBreaker  TieBreaker
	// participants whose last known row is kept for annotating streams
	PresenceCacheSize int
	// upper bound on a stale-entry delete
	CleanupTimeout time.Duration
	Logger         logger.Logger
}

// Orchestrator keeps one connection per remote participant of a room, driven by presence events and
// transport callbacks. All state changes happen on its operations queue.
type Orchestrator struct {
	params   OrchestratorParams
	localID  string
	logger   logger.Logger
	queue    *utils.OpsQueue
	registry *StreamRegistry
	rows     *lru.Cache[string, presence.Participant]

	lock        sync.RWMutex
	connections map[string]*Connection
	unsubscribe presence.Unsubscribe
	onError     func(err error)
	onChange    func()
	onRemoved   func()

	started core.Fuse
	closed  core.Fuse
}

func NewOrchestrator(params OrchestratorParams) (*Orchestrator, error) {
	if params.TieBreaker == nil {
		params.TieBreaker = GreaterInitiates
	}
	if params.PresenceCacheSize <= 0 {
		params.PresenceCacheSize = defaultPresenceCacheSize
	}
	if params.CleanupTimeout <= 0 {
		params.CleanupTimeout = defaultCleanupTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.LocalStream == nil {
		return nil, media.ErrNotAcquired
	}

	rows, err := lru.New[string, presence.Participant](params.PresenceCacheSize)
	if err != nil {
		return nil, err
	}

	localID := params.Transport.ID()
	l := params.Logger.WithValues("room", params.Room, "participant", localID)
	return &Orchestrator{
		params:  params,
		localID: localID,
		logger:  l,
		queue: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:    "orchestrator",
			MinSize: 32,
			Logger:  l,
		}),
		registry:    NewStreamRegistry(),
		rows:        rows,
		connections: make(map[string]*Connection),
	}, nil
}

func (o *Orchestrator) LocalID() string {
	return o.localID
}

func (o *Orchestrator) Registry() *StreamRegistry {
	return o.registry
}

// OnError receives failures the user should hear about. Unreachable peers are never reported.
func (o *Orchestrator) OnError(f func(err error)) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.onError = f
}

// OnLocalRemoved is called, on its own goroutine, when the local row disappears while the
// orchestrator is running, e.g. because a peer took it for stale.
func (o *Orchestrator) OnLocalRemoved(f func()) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.onRemoved = f
}

// OnConnectionsChanged is called on the orchestrator's queue whenever a connection changes state.
func (o *Orchestrator) OnConnectionsChanged(f func()) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.onChange = f
}

// Start registers the local stream and begins reacting to presence and incoming calls.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.closed.IsBroken() {
		return ErrOrchestratorClosed
	}
	if o.started.IsBroken() {
		return nil
	}
	o.started.Break()

	local := StreamEntry{
		ParticipantID: o.localID,
		Stream:        o.params.LocalStream,
		IsLocal:       true,
		IsScreenShare: o.params.LocalStream.IsScreenShare(),
		DisplayName:   placeholderName(o.localID),
	}
	if p, ok := o.rows.Get(o.localID); ok {
		local.annotate(p)
	}
	o.registry.Upsert(local)

	o.params.Transport.OnIncomingCall(func(call transport.Call) {
		o.queue.Enqueue(func() {
			o.handleIncomingCall(call)
		})
	})
	o.params.Transport.OnError(func(err error) {
		o.queue.Enqueue(func() {
			o.handleTransportError(err)
		})
	})
	o.queue.Start()

	unsubscribe, err := o.params.Directory.Subscribe(ctx, o.params.Room, func(ev presence.Event) {
		o.queue.Enqueue(func() {
			o.handlePresence(ev)
		})
	})
	if err != nil {
		return errors.Wrap(err, "could not subscribe to presence")
	}

	o.lock.Lock()
	if o.closed.IsBroken() {
		o.lock.Unlock()
		unsubscribe()
		return ErrOrchestratorClosed
	}
	o.unsubscribe = unsubscribe
	o.lock.Unlock()

	o.logger.Infow("orchestrator started")
	return nil
}

func (o *Orchestrator) Connections() []ConnectionInfo {
	o.lock.RLock()
	defer o.lock.RUnlock()
	infos := make([]ConnectionInfo, 0, len(o.connections))
	for _, c := range o.connections {
		infos = append(infos, c.info())
	}
	return infos
}

func (o *Orchestrator) Connection(remoteID string) (ConnectionInfo, bool) {
	o.lock.RLock()
	defer o.lock.RUnlock()
	c, ok := o.connections[remoteID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// ReplaceVideoTrack swaps the outbound video on every open connection. Connections stay up.
func (o *Orchestrator) ReplaceVideoTrack(track *media.LocalTrack) error {
	var errs []error
	err := o.runSync(func() {
		for _, c := range o.connections {
			if !c.isOpen() {
				continue
			}
			if err := c.call.ReplaceVideoTrack(track); err != nil {
				o.logger.Warnw("could not replace video track", err, "remoteID", c.remoteID)
				errs = append(errs, errors.Wrapf(err, "replace track for %s", c.remoteID))
				continue
			}
			prometheus.TrackReplaced()
		}
		o.registry.RefreshLocal()
	})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Close ends every connection, whatever its state, and stops listening for presence.
// Leaving presence and disposing of the transport belong to the owner.
func (o *Orchestrator) Close() {
	o.lock.Lock()
	if o.closed.IsBroken() {
		o.lock.Unlock()
		return
	}
	o.closed.Break()
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.lock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if o.started.IsBroken() {
		o.queue.Enqueue(o.closeAll)
	}
	<-o.queue.Stop()
	o.logger.Infow("orchestrator closed")
}

func (o *Orchestrator) runSync(f func()) error {
	if o.closed.IsBroken() || !o.started.IsBroken() {
		return ErrOrchestratorClosed
	}
	done := make(chan struct{})
	o.queue.Enqueue(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-o.closed.Watch():
		return ErrOrchestratorClosed
	}
}

func (o *Orchestrator) handlePresence(ev presence.Event) {
	p := ev.Participant
	if p.ID == o.localID {
		if ev.Type != presence.EventRemoved {
			o.rows.Add(p.ID, p.Clone())
			o.registry.Annotate(p)
			return
		}
		o.lock.RLock()
		f := o.onRemoved
		o.lock.RUnlock()
		if f != nil && !o.closed.IsBroken() {
			o.logger.Infow("local presence row removed")
			go f()
		}
		return
	}

	switch ev.Type {
	case presence.EventAdded:
		o.rows.Add(p.ID, p.Clone())
		o.registry.Annotate(p)
		if c := o.connections[p.ID]; c != nil {
			return
		}
		if o.params.TieBreaker(o.localID, p.ID) {
			o.dial(p.ID)
		}

	case presence.EventModified:
		o.rows.Add(p.ID, p.Clone())
		o.registry.Annotate(p)

	case presence.EventRemoved:
		o.rows.Remove(p.ID)
		if c := o.connections[p.ID]; c != nil {
			o.logger.Debugw("participant left, closing connection", "remoteID", p.ID)
			o.removeConnection(c, ConnectionStateClosed)
			_ = c.call.Close()
		}
	}
}

func (o *Orchestrator) dial(remoteID string) {
	if o.closed.IsBroken() {
		return
	}
	call, err := o.params.Transport.Call(remoteID, o.params.LocalStream)
	if err != nil {
		if !errors.Is(err, transport.ErrTransportClosed) {
			o.surface(errors.Wrapf(err, "could not call %s", remoteID))
		}
		return
	}

	o.logger.Infow("calling participant", "remoteID", remoteID, "callID", call.ID())
	c := newConnection(remoteID, call, roleDialer)
	o.addConnection(c)
	o.watch(c)
}

func (o *Orchestrator) handleIncomingCall(call transport.Call) {
	remoteID := call.RemoteID()
	if existing := o.connections[remoteID]; existing != nil || o.closed.IsBroken() {
		o.logger.Debugw("ignoring call, connection exists", "remoteID", remoteID, "callID", call.ID())
		_ = call.Close()
		return
	}

	c := newConnection(remoteID, call, roleAnswerer)
	o.addConnection(c)
	o.watch(c)

	if err := call.Answer(o.params.LocalStream); err != nil {
		o.logger.Warnw("could not answer call", err, "remoteID", remoteID)
		o.removeConnection(c, ConnectionStateFailed)
		_ = call.Close()
		o.surface(errors.Wrapf(err, "could not answer %s", remoteID))
		return
	}
	o.logger.Infow("answered call", "remoteID", remoteID, "callID", call.ID())
}

// watch routes the call's events onto the queue. Events for a replaced connection are dropped there.
func (o *Orchestrator) watch(c *Connection) {
	c.call.OnStream(func(stream *media.Stream) {
		o.queue.Enqueue(func() {
			o.handleStream(c, stream)
		})
	})
	c.call.OnClose(func() {
		o.queue.Enqueue(func() {
			o.handleClose(c)
		})
	})
	c.call.OnError(func(err error) {
		o.queue.Enqueue(func() {
			o.handleCallError(c, err)
		})
	})
}

func (o *Orchestrator) handleStream(c *Connection, stream *media.Stream) {
	if o.connections[c.remoteID] != c {
		return
	}
	if c.state != ConnectionStateConnected {
		o.lock.Lock()
		c.setState(ConnectionStateConnected)
		o.lock.Unlock()
		o.logger.Infow("connected", "remoteID", c.remoteID, "role", c.role)
	}

	entry := StreamEntry{
		ParticipantID: c.remoteID,
		Stream:        stream,
		DisplayName:   placeholderName(c.remoteID),
	}
	if p, ok := o.rows.Get(c.remoteID); ok {
		entry.annotate(p)
	}
	o.registry.Upsert(entry)
	o.notifyChange()
}

func (o *Orchestrator) handleClose(c *Connection) {
	if o.connections[c.remoteID] != c {
		return
	}
	o.logger.Infow("connection closed", "remoteID", c.remoteID)
	o.removeConnection(c, ConnectionStateClosed)
}

func (o *Orchestrator) handleCallError(c *Connection, err error) {
	if o.connections[c.remoteID] != c {
		return
	}

	if transport.IsPeerUnavailable(err) {
		o.dropStale(c)
		return
	}

	o.logger.Warnw("connection error", err, "remoteID", c.remoteID)
	o.removeConnection(c, ConnectionStateFailed)
	_ = c.call.Close()
	o.surface(err)
}

func (o *Orchestrator) handleTransportError(err error) {
	var pe *transport.PeerError
	if errors.As(err, &pe) && pe.Kind == transport.ErrorKindPeerUnavailable {
		if c := o.connections[pe.PeerID]; c != nil {
			o.dropStale(c)
		} else {
			o.cleanupStale(pe.PeerID)
		}
		return
	}
	o.surface(err)
}

// dropStale closes a connection to a peer that is gone and removes its row for everyone.
func (o *Orchestrator) dropStale(c *Connection) {
	o.logger.Infow("peer unreachable, removing", "remoteID", c.remoteID)
	prometheus.ConnectionFailed(c.role)
	o.removeConnection(c, ConnectionStateClosed)
	_ = c.call.Close()
	o.cleanupStale(c.remoteID)
}

func (o *Orchestrator) cleanupStale(remoteID string) {
	if remoteID == "" || remoteID == o.localID {
		return
	}
	o.rows.Remove(remoteID)
	prometheus.StaleEntryCleaned()
	presence.LeaveInBackground(o.params.Directory, o.params.Room, remoteID, o.params.CleanupTimeout)
}

func (o *Orchestrator) addConnection(c *Connection) {
	o.lock.Lock()
	o.connections[c.remoteID] = c
	o.lock.Unlock()
	o.notifyChange()
}

// removeConnection takes the connection out of the active set and drops exactly its stream entry.
func (o *Orchestrator) removeConnection(c *Connection, final ConnectionState) {
	o.lock.Lock()
	if c.state == ConnectionStateClosed {
		o.lock.Unlock()
		return
	}
	if o.connections[c.remoteID] == c {
		delete(o.connections, c.remoteID)
	}
	if final == ConnectionStateFailed {
		c.setState(ConnectionStateFailed)
	}
	c.setState(ConnectionStateClosed)
	o.lock.Unlock()

	o.registry.Remove(c.remoteID)
	o.notifyChange()
}

func (o *Orchestrator) closeAll() {
	o.lock.Lock()
	conns := make([]*Connection, 0, len(o.connections))
	for _, c := range o.connections {
		conns = append(conns, c)
	}
	o.lock.Unlock()

	for _, c := range conns {
		o.removeConnection(c, ConnectionStateClosed)
		_ = c.call.Close()
	}
	o.registry.removeRemotes()
}

func (o *Orchestrator) surface(err error) {
	o.lock.RLock()
	f := o.onError
	o.lock.RUnlock()
	if f != nil {
		f(err)
	}
}

func (o *Orchestrator) notifyChange() {
	o.lock.RLock()
	f := o.onChange
	o.lock.RUnlock()
	if f != nil {
		f()
	}
}

func placeholderName(id string) string {
	if len(id) > placeholderIDLength {
		id = id[:placeholderIDLength]
	}
	return "Participant " + id
}
