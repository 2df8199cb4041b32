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

// Package transporttest provides an in-memory transport.Transport for tests that do not need ICE.
package transporttest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/signal"
	"github.com/livekit/meshcall/pkg/transport"
	"github.com/livekit/meshcall/pkg/utils"
)

// Network connects Transports by id. Delivery is synchronous, handlers run on the caller's goroutine.
type Network struct {
	lock        sync.Mutex
	peers       map[string]*Transport
	unreachable map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		peers:       make(map[string]*Transport),
		unreachable: make(map[string]bool),
	}
}

func (n *Network) NewTransport(id string) (*Transport, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.peers[id]; ok {
		return nil, signal.ErrDuplicateID
	}
	t := &Transport{
		network: n,
		id:      id,
		calls:   make(map[string]*Call),
	}
	n.peers[id] = t
	return t, nil
}

// Crash removes a peer without closing its calls, the way a killed process disappears.
// Its open calls fail with peer-unavailable on the other side.
func (n *Network) Crash(id string) {
	n.lock.Lock()
	t := n.peers[id]
	delete(n.peers, id)
	n.lock.Unlock()
	if t == nil {
		return
	}

	t.lock.Lock()
	t.closed = true
	t.pending = nil
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.calls = map[string]*Call{}
	t.lock.Unlock()

	for _, c := range calls {
		if peer := c.peer; peer != nil {
			peer.fail(&transport.PeerError{Kind: transport.ErrorKindPeerUnavailable, PeerID: id, Err: signal.ErrPeerUnavailable})
		}
	}
}

// SetUnreachable makes new calls to id fail with peer-unavailable while set.
func (n *Network) SetUnreachable(id string, unreachable bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.unreachable[id] = unreachable
}

func (n *Network) lookup(id string) *Transport {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.unreachable[id] {
		return nil
	}
	return n.peers[id]
}

func (n *Network) remove(t *Transport) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.peers[t.id] == t {
		delete(n.peers, t.id)
	}
}

type Transport struct {
	network *Network
	id      string

	lock           sync.Mutex
	calls          map[string]*Call
	placed         []string
	closed         bool
	onIncomingCall func(call transport.Call)
	onError        func(err error)
	pending        []*Call
}

func (t *Transport) ID() string {
	return t.id
}

// OnIncomingCall sets the handler and hands it the calls that arrived before it, oldest first.
func (t *Transport) OnIncomingCall(f func(call transport.Call)) {
	t.lock.Lock()
	t.onIncomingCall = f
	pending := t.pending
	t.pending = nil
	t.lock.Unlock()

	if f == nil {
		return
	}
	for _, c := range pending {
		if !c.IsClosed() {
			f(c)
		}
	}
}

func (t *Transport) OnError(f func(err error)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onError = f
}

// EmitError raises a transport level error.
func (t *Transport) EmitError(err error) {
	t.lock.Lock()
	f := t.onError
	t.lock.Unlock()
	if f != nil {
		f(err)
	}
}

// Placed returns the remote ids this transport has dialed, in order.
func (t *Transport) Placed() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]string(nil), t.placed...)
}

// Calls returns the open calls keyed by remote id.
func (t *Transport) Calls() map[string]*Call {
	t.lock.Lock()
	defer t.lock.Unlock()
	calls := make(map[string]*Call, len(t.calls))
	for _, c := range t.calls {
		calls[c.remoteID] = c
	}
	return calls
}

func (t *Transport) IsClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

func (t *Transport) Call(remoteID string, stream *media.Stream) (transport.Call, error) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, transport.ErrTransportClosed
	}
	c := t.newCall(utils.NewGuid(utils.CallPrefix), remoteID)
	c.localStream = stream
	c.answered = true
	t.placed = append(t.placed, remoteID)
	t.lock.Unlock()

	target := t.network.lookup(remoteID)
	if target == nil {
		c.fail(&transport.PeerError{Kind: transport.ErrorKindPeerUnavailable, PeerID: remoteID, Err: signal.ErrPeerUnavailable})
		return c, nil
	}

	target.lock.Lock()
	if target.closed {
		target.lock.Unlock()
		c.fail(&transport.PeerError{Kind: transport.ErrorKindPeerUnavailable, PeerID: remoteID, Err: signal.ErrPeerUnavailable})
		return c, nil
	}
	incoming := target.newCall(c.id, t.id)
	incoming.peer = c
	c.peer = incoming
	f := target.onIncomingCall
	if f == nil {
		target.pending = append(target.pending, incoming)
	}
	target.lock.Unlock()

	if f != nil {
		f(incoming)
	}
	return c, nil
}

func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.pending = nil
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.lock.Unlock()

	for _, c := range calls {
		_ = c.Close()
	}
	t.network.remove(t)
	return nil
}

// must hold t.lock
func (t *Transport) newCall(id, remoteID string) *Call {
	c := &Call{
		transport: t,
		id:        id,
		remoteID:  remoteID,
	}
	t.calls[id] = c
	return c
}

func (t *Transport) removeCall(c *Call) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.calls[c.id] == c {
		delete(t.calls, c.id)
	}
}

type Call struct {
	transport.CallEvents

	transport *Transport
	id        string
	remoteID  string
	peer      *Call

	lock        sync.Mutex
	localStream *media.Stream
	answered    bool
	connected   bool
	closed      bool
	replaced    []*media.LocalTrack
}

func (c *Call) ID() string {
	return c.id
}

func (c *Call) RemoteID() string {
	return c.remoteID
}

func (c *Call) Answer(stream *media.Stream) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return transport.ErrCallClosed
	}
	if c.answered {
		c.lock.Unlock()
		return transport.ErrAlreadyAnswered
	}
	c.answered = true
	c.localStream = stream
	c.lock.Unlock()

	c.peer.connect(stream)
	c.connect(c.peer.LocalStream())
	return nil
}

func (c *Call) LocalStream() *media.Stream {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.localStream
}

// Connected reports whether the call was answered and remote media delivered.
func (c *Call) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

func (c *Call) IsClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// ReplacedTracks lists every track passed to ReplaceVideoTrack, oldest first.
func (c *Call) ReplacedTracks() []*media.LocalTrack {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*media.LocalTrack(nil), c.replaced...)
}

// OutboundVideo is the video track currently being sent.
func (c *Call) OutboundVideo() media.Track {
	c.lock.Lock()
	defer c.lock.Unlock()
	if n := len(c.replaced); n > 0 {
		return c.replaced[n-1]
	}
	if c.localStream == nil {
		return nil
	}
	return c.localStream.Video()
}

func (c *Call) ReplaceVideoTrack(track *media.LocalTrack) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return transport.ErrCallClosed
	}
	if c.localStream == nil || c.localStream.Video() == nil {
		return transport.ErrNoVideoSender
	}
	c.replaced = append(c.replaced, track)
	return nil
}

// Fail raises err on this call and closes it without notifying the remote side.
func (c *Call) Fail(err error) {
	c.fail(err)
}

func (c *Call) Close() error {
	if !c.shutdown() {
		return nil
	}
	if c.peer != nil {
		if c.peer.shutdown() {
			c.peer.EmitClose()
		}
	}
	c.EmitClose()
	return nil
}

func (c *Call) connect(remote *media.Stream) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.connected = true
	c.lock.Unlock()

	if remote == nil {
		remote = media.NewStream(utils.NewGuid(utils.StreamPrefix))
	}
	c.EmitStream(remote)
}

func (c *Call) fail(err error) {
	if !c.shutdown() {
		return
	}
	c.EmitError(err)
	c.EmitClose()
}

func (c *Call) shutdown() bool {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return false
	}
	c.closed = true
	c.lock.Unlock()
	c.transport.removeCall(c)
	return true
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Call = (*Call)(nil)

// ErrInjected is a generic non peer-unavailable failure for tests.
var ErrInjected = errors.New("injected transport failure")
