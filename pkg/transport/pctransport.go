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

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	serverlogger "github.com/livekit/meshcall/pkg/logger"
	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/signal"
	"github.com/livekit/meshcall/pkg/utils"
)

const (
	defaultICEGatherTimeout = 5 * time.Second
	byeTimeout              = 2 * time.Second
)

var errICEFailed = errors.New("ICE failed")

var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: media.OpusCodec,
	PayloadType:        111,
}

var vp8Codec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
		RTCPFeedback: []webrtc.RTCPFeedback{
			{Type: "nack", Parameter: ""},
			{Type: "nack", Parameter: "pli"},
		},
	},
	PayloadType: 96,
}

type sessionDescriptionWithIceCandidates struct {
	SessionDescription webrtc.SessionDescription `json:"sessionDescription"`
	IceCandidates      []webrtc.ICECandidateInit `json:"iceCandidates"`
}

type TransportParams struct {
	Signaller        signal.Signaller
	ICEServers       []webrtc.ICEServer
	ICEGatherTimeout time.Duration
	// concurrent negotiations, ICE gathering blocks a worker
	Workers      int
	PionLogLevel string
	Logger       logger.Logger
}

// PCTransport places and receives calls as pion PeerConnections, exchanging offers and answers
// with gathered candidates through a Signaller.
type PCTransport struct {
	params TransportParams
	api    *webrtc.API
	logger logger.Logger
	pool   *workerpool.WorkerPool

	lock   sync.Mutex
	calls  map[string]*PCCall
	closed core.Fuse

	onIncomingCall func(call Call)
	onError        func(err error)
	// offers that arrived before OnIncomingCall was set
	pendingIncoming []*PCCall
}

func NewPCTransport(params TransportParams) (*PCTransport, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.ICEGatherTimeout <= 0 {
		params.ICEGatherTimeout = defaultICEGatherTimeout
	}
	if params.Workers <= 0 {
		params.Workers = 4
	}
	l := params.Logger.WithName("transport").WithValues("peerID", params.Signaller.LocalID())

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "RegisterCodec error")
	}
	if err := me.RegisterCodec(vp8Codec, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "RegisterCodec error")
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, errors.Wrap(err, "RegisterDefaultInterceptors error")
	}
	se := webrtc.SettingEngine{
		LoggerFactory: serverlogger.NewLoggerFactory(l, params.PionLogLevel),
	}

	t := &PCTransport{
		params: params,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		logger: l,
		pool:   workerpool.New(params.Workers),
		calls:  make(map[string]*PCCall),
	}
	params.Signaller.OnMessage(t.handleMessage)
	return t, nil
}

func (t *PCTransport) ID() string {
	return t.params.Signaller.LocalID()
}

// OnIncomingCall sets the handler for offers. Offers received before it is set are held and
// handed over here, unless the caller hung up meanwhile.
func (t *PCTransport) OnIncomingCall(f func(call Call)) {
	t.lock.Lock()
	t.onIncomingCall = f
	pending := t.pendingIncoming
	t.pendingIncoming = nil
	t.lock.Unlock()

	if f == nil {
		return
	}
	for _, c := range pending {
		if !c.closed.IsBroken() {
			f(c)
		}
	}
}

func (t *PCTransport) OnError(f func(err error)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onError = f
}

func (t *PCTransport) Call(remoteID string, stream *media.Stream) (Call, error) {
	if t.closed.IsBroken() {
		return nil, ErrTransportClosed
	}

	c, err := t.newCall(utils.NewGuid(utils.CallPrefix), remoteID, true)
	if err != nil {
		return nil, err
	}
	if err := c.addTracks(stream); err != nil {
		_ = c.pc.Close()
		return nil, err
	}
	if !t.register(c) {
		_ = c.pc.Close()
		return nil, ErrTransportClosed
	}
	if !t.submit(c.offer) {
		c.close(false)
		return nil, ErrTransportClosed
	}
	return c, nil
}

// Close ends every call and releases the identity.
func (t *PCTransport) Close() error {
	t.lock.Lock()
	if t.closed.IsBroken() {
		t.lock.Unlock()
		return nil
	}
	t.closed.Break()
	t.pendingIncoming = nil
	calls := make([]*PCCall, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.lock.Unlock()

	for _, c := range calls {
		c.close(true)
	}
	err := t.params.Signaller.Close()

	t.lock.Lock()
	t.pool.Stop()
	t.lock.Unlock()
	return err
}

func (t *PCTransport) newCall(id, remoteID string, outgoing bool) (*PCCall, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.params.ICEServers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "NewPeerConnection error")
	}

	c := &PCCall{
		t:            t,
		id:           id,
		remoteID:     remoteID,
		outgoing:     outgoing,
		pc:           pc,
		logger:       t.logger.WithValues("callID", id, "remoteID", remoteID),
		remoteStream: media.NewStream(utils.NewGuid(utils.StreamPrefix)),
	}
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(c.onConnectionStateChange)
	return c, nil
}

func (t *PCTransport) register(c *PCCall) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed.IsBroken() {
		return false
	}
	t.calls[c.id] = c
	return true
}

func (t *PCTransport) removeCall(c *PCCall) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.calls[c.id] == c {
		delete(t.calls, c.id)
	}
}

func (t *PCTransport) getCall(id string) *PCCall {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.calls[id]
}

func (t *PCTransport) submit(task func()) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed.IsBroken() {
		return false
	}
	t.pool.Submit(task)
	return true
}

func (t *PCTransport) emitError(err error) {
	t.lock.Lock()
	f := t.onError
	t.lock.Unlock()

	t.logger.Warnw("transport error", err)
	if f != nil {
		f(err)
	}
}

func (t *PCTransport) handleMessage(msg signal.Message) {
	switch msg.Type {
	case signal.MessageOffer:
		t.handleOffer(msg)

	case signal.MessageAnswer:
		c := t.getCall(msg.CallID)
		if c == nil || !c.outgoing {
			t.logger.Debugw("answer for unknown call", "callID", msg.CallID, "from", msg.From)
			return
		}
		payload := msg.Payload
		t.submit(func() {
			c.applyAnswer(payload)
		})

	case signal.MessageBye:
		if c := t.getCall(msg.CallID); c != nil {
			c.logger.Debugw("remote hung up")
			c.close(false)
		}

	case signal.MessageError:
		kind := ""
		if msg.Error != nil {
			kind = msg.Error.Kind
		}
		c := t.getCall(msg.CallID)
		if c == nil {
			t.emitError(&PeerError{Kind: ErrorKindSignal, PeerID: msg.From, Err: errors.Errorf("signal error %q", kind)})
			return
		}
		if kind == signal.ErrorKindPeerUnavailable {
			c.fail(&PeerError{Kind: ErrorKindPeerUnavailable, PeerID: c.remoteID, Err: signal.ErrPeerUnavailable})
		} else {
			c.fail(&PeerError{Kind: ErrorKindSignal, PeerID: c.remoteID, Err: errors.Errorf("signal error %q", kind)})
		}
	}
}

func (t *PCTransport) handleOffer(msg signal.Message) {
	if t.getCall(msg.CallID) != nil {
		return
	}

	c, err := t.newCall(msg.CallID, msg.From, false)
	if err != nil {
		t.emitError(&PeerError{Kind: ErrorKindNegotiation, PeerID: msg.From, Err: err})
		return
	}
	c.pendingOffer = msg.Payload
	if !t.register(c) {
		_ = c.pc.Close()
		return
	}

	t.lock.Lock()
	f := t.onIncomingCall
	if f == nil {
		t.pendingIncoming = append(t.pendingIncoming, c)
	}
	t.lock.Unlock()
	if f == nil {
		c.logger.Debugw("holding call until a handler is set")
		return
	}
	f(c)
}

// PCCall is one PeerConnection to a remote peer.
type PCCall struct {
	CallEvents

	t        *PCTransport
	id       string
	remoteID string
	outgoing bool
	pc       *webrtc.PeerConnection
	logger   logger.Logger

	lock         sync.Mutex
	videoSender  *webrtc.RTPSender
	pendingOffer []byte
	answered     bool
	remoteStream *media.Stream

	closeOnce sync.Once
	closed    core.Fuse
}

func (c *PCCall) ID() string {
	return c.id
}

func (c *PCCall) RemoteID() string {
	return c.remoteID
}

func (c *PCCall) Answer(stream *media.Stream) error {
	if c.closed.IsBroken() {
		return ErrCallClosed
	}
	c.lock.Lock()
	if c.outgoing || c.answered {
		c.lock.Unlock()
		return ErrAlreadyAnswered
	}
	c.answered = true
	offer := c.pendingOffer
	c.pendingOffer = nil
	c.lock.Unlock()

	if err := c.addTracks(stream); err != nil {
		return err
	}
	if !c.t.submit(func() { c.answer(offer) }) {
		return ErrTransportClosed
	}
	return nil
}

func (c *PCCall) ReplaceVideoTrack(track *media.LocalTrack) error {
	if c.closed.IsBroken() {
		return ErrCallClosed
	}
	c.lock.Lock()
	sender := c.videoSender
	c.lock.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(track.RTPTrack())
}

func (c *PCCall) Close() error {
	c.close(true)
	return nil
}

func (c *PCCall) addTracks(stream *media.Stream) error {
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		lt, ok := track.(*media.LocalTrack)
		if !ok {
			continue
		}
		sender, err := c.pc.AddTrack(lt.RTPTrack())
		if err != nil {
			return errors.Wrap(err, "AddTrack error")
		}
		if lt.Kind() == webrtc.RTPCodecTypeVideo {
			c.lock.Lock()
			c.videoSender = sender
			c.lock.Unlock()
		}
		go drainRTCP(sender)
	}
	return nil
}

// interceptors only see RTCP that is read
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *PCCall) offer() {
	if c.closed.IsBroken() {
		return
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "CreateOffer error")})
		return
	}
	candidates, err := c.setLocalAndGather(offer)
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: err})
		return
	}

	data, err := json.Marshal(sessionDescriptionWithIceCandidates{offer, candidates})
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "json marshal error")})
		return
	}
	c.send(signal.MessageOffer, data)
}

func (c *PCCall) applyAnswer(data []byte) {
	if c.closed.IsBroken() {
		return
	}
	answer := sessionDescriptionWithIceCandidates{}
	if err := json.Unmarshal(data, &answer); err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "json unmarshal error")})
		return
	}
	if err := c.pc.SetRemoteDescription(answer.SessionDescription); err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "SetRemoteDescription error")})
		return
	}
	for _, candidate := range answer.IceCandidates {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Debugw("could not add candidate", "error", err)
		}
	}
}

func (c *PCCall) answer(data []byte) {
	if c.closed.IsBroken() {
		return
	}
	offer := sessionDescriptionWithIceCandidates{}
	if err := json.Unmarshal(data, &offer); err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "json unmarshal error")})
		return
	}
	if err := c.pc.SetRemoteDescription(offer.SessionDescription); err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "SetRemoteDescription error")})
		return
	}
	for _, candidate := range offer.IceCandidates {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Debugw("could not add candidate", "error", err)
		}
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "CreateAnswer error")})
		return
	}
	candidates, err := c.setLocalAndGather(answer)
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: err})
		return
	}

	out, err := json.Marshal(sessionDescriptionWithIceCandidates{answer, candidates})
	if err != nil {
		c.fail(&PeerError{Kind: ErrorKindNegotiation, PeerID: c.remoteID, Err: errors.Wrap(err, "json marshal error")})
		return
	}
	c.send(signal.MessageAnswer, out)
}

// setLocalAndGather applies the description and collects candidates until gathering completes or times out.
func (c *PCCall) setLocalAndGather(desc webrtc.SessionDescription) ([]webrtc.ICECandidateInit, error) {
	var lock sync.Mutex
	var iceCandidates []webrtc.ICECandidateInit
	doneCh := make(chan struct{})
	var doneOnce sync.Once

	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			doneOnce.Do(func() { close(doneCh) })
			return
		}
		lock.Lock()
		iceCandidates = append(iceCandidates, candidate.ToJSON())
		lock.Unlock()
	})

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, errors.Wrap(err, "SetLocalDescription error")
	}

	select {
	case <-doneCh:
	case <-time.After(c.t.params.ICEGatherTimeout):
		c.logger.Warnw("timeout waiting for ICE candidates", nil, "timeout", c.t.params.ICEGatherTimeout)
	case <-c.closed.Watch():
	}

	lock.Lock()
	defer lock.Unlock()
	return append([]webrtc.ICECandidateInit(nil), iceCandidates...), nil
}

func (c *PCCall) send(msgType signal.MessageType, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.t.params.ICEGatherTimeout)
	defer cancel()

	err := c.t.params.Signaller.Send(ctx, c.remoteID, signal.Message{
		Type:    msgType,
		CallID:  c.id,
		Payload: payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, signal.ErrPeerUnavailable):
		c.fail(&PeerError{Kind: ErrorKindPeerUnavailable, PeerID: c.remoteID, Err: err})
	default:
		c.fail(&PeerError{Kind: ErrorKindSignal, PeerID: c.remoteID, Err: err})
	}
}

func (c *PCCall) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if c.closed.IsBroken() {
		return
	}
	c.logger.Debugw("remote track received", "trackID", track.ID(), "kind", track.Kind().String())

	rt := media.NewRemoteTrack(track, c.logger)
	rt.Start()
	c.remoteStream.AddTrack(rt)
	c.EmitStream(c.remoteStream)
}

func (c *PCCall) onConnectionStateChange(state webrtc.PeerConnectionState) {
	if c.closed.IsBroken() {
		return
	}
	c.logger.Debugw("connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.EmitStream(c.remoteStream)
	case webrtc.PeerConnectionStateFailed:
		c.fail(connectionFailure(c.remoteID))
	case webrtc.PeerConnectionStateClosed:
		c.close(false)
	}
}

// connectionFailure reports an ICE failure. The remote may still be alive, so it is not a
// peer-unavailable error.
func connectionFailure(remoteID string) *PeerError {
	return &PeerError{Kind: ErrorKindConnection, PeerID: remoteID, Err: errICEFailed}
}

func (c *PCCall) fail(err *PeerError) {
	if c.closed.IsBroken() {
		return
	}
	c.logger.Infow("call failed", "kind", err.Kind, "error", err.Err)
	c.EmitError(err)
	c.close(err.Kind != ErrorKindPeerUnavailable)
}

func (c *PCCall) close(sendBye bool) {
	c.closeOnce.Do(func() {
		c.closed.Break()
		c.t.removeCall(c)

		if sendBye {
			ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			_ = c.t.params.Signaller.Send(ctx, c.remoteID, signal.Message{Type: signal.MessageBye, CallID: c.id})
			cancel()
		}
		if err := c.pc.Close(); err != nil {
			c.logger.Debugw("error closing peer connection", "error", err)
		}
		c.EmitClose()
	})
}

var (
	_ Transport = (*PCTransport)(nil)
	_ Call      = (*PCCall)(nil)
)
