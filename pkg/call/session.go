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

package call

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/config"
	"github.com/livekit/meshcall/pkg/layout"
	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/presence"
	"github.com/livekit/meshcall/pkg/recording"
	"github.com/livekit/meshcall/pkg/rtc"
	"github.com/livekit/meshcall/pkg/transport"
)

type Params struct {
	Room             string
	Kind             config.CallKind
	IsHost           bool
	DisplayName      string
	ReactionDuration time.Duration
	// bound on the presence delete when closing
	LeaveTimeout time.Duration

	Directory    presence.Directory
	Devices      media.Devices
	NewTransport TransportFactory
	TieBreaker   rtc.TieBreaker
	Logger       logger.Logger
}

// Session is one participant's view of a call: local media, the mesh of connections, presence state
// and the layout derived from it.
type Session struct {
	params   Params
	logger   logger.Logger
	capture  *media.Capture
	recorder *recording.Recorder
	layout   *layout.Model
	debounce func(f func())

	lock          sync.Mutex
	status        Status
	localID       string
	transport     transport.Transport
	orch          *rtc.Orchestrator
	joinedAt      time.Time
	handRaised    bool
	reactionSeq   uint64
	reactionTimer map[uint64]*time.Timer

	onStatusChanged func(Status)
	onNotification  func(Notification)
	onLayoutChanged func(layout.Layout)
	onEnded         func(EndedEvent)

	closed core.Fuse
}

func NewSession(params Params) *Session {
	if params.DisplayName == "" {
		params.DisplayName = DefaultDisplayName
	}
	if params.ReactionDuration <= 0 {
		params.ReactionDuration = DefaultReactionDuration
	}
	if params.LeaveTimeout <= 0 {
		params.LeaveTimeout = defaultLeaveTimeout
	}
	if params.Kind == "" {
		params.Kind = config.CallKindVideo
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	l := params.Logger.WithValues("room", params.Room)

	return &Session{
		params: params,
		logger: l,
		capture: media.NewCapture(media.CaptureParams{
			Devices: params.Devices,
			Logger:  l,
		}),
		recorder:      recording.NewRecorder(recording.RecorderParams{Logger: l}),
		layout:        layout.NewModel(),
		debounce:      debounce.New(layoutDebounce),
		status:        StatusIdle,
		reactionTimer: make(map[uint64]*time.Timer),
	}
}

func (s *Session) OnStatusChanged(f func(Status)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onStatusChanged = f
}

func (s *Session) OnNotification(f func(Notification)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onNotification = f
}

// OnLayoutChanged is called, coalesced, whenever streams or their metadata change.
func (s *Session) OnLayoutChanged(f func(layout.Layout)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onLayoutChanged = f
}

func (s *Session) OnEnded(f func(EndedEvent)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onEnded = f
}

func (s *Session) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

func (s *Session) LocalID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.localID
}

// Start acquires local media, then joins presence and starts connecting. Nothing touches the network
// before media is available.
func (s *Session) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.status != StatusIdle {
		s.lock.Unlock()
		return ErrAlreadyStarted
	}
	if s.closed.IsBroken() {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	s.lock.Unlock()

	kind := media.CaptureAudioVideo
	if s.params.Kind == config.CallKindAudio {
		kind = media.CaptureAudio
	}
	stream, err := s.capture.Acquire(ctx, kind)
	if err != nil {
		s.notify(Notification{Kind: NotificationCaptureFailed, Err: err})
		s.setStatus(StatusEnded)
		return err
	}

	tr, err := s.params.NewTransport(ctx)
	if err != nil {
		return s.failStart(errors.Wrap(err, "could not create transport"), nil)
	}
	localID := tr.ID()
	s.logger = s.logger.WithValues("participant", localID)

	joinedAt := time.Now()
	if err := s.params.Directory.Join(ctx, s.params.Room, presence.Participant{
		ID:          localID,
		DisplayName: s.params.DisplayName,
		Role:        s.role(),
		JoinedAt:    joinedAt,
	}); err != nil {
		return s.failStart(errors.Wrap(err, "could not join presence"), tr)
	}

	orch, err := rtc.NewOrchestrator(rtc.OrchestratorParams{
		Room:        s.params.Room,
		Transport:   tr,
		Directory:   s.params.Directory,
		LocalStream: stream,
		TieBreaker:  s.params.TieBreaker,
		Logger:      s.params.Logger,
	})
	if err != nil {
		<-presence.LeaveInBackground(s.params.Directory, s.params.Room, localID, s.params.LeaveTimeout)
		return s.failStart(err, tr)
	}
	orch.OnError(func(err error) {
		s.notify(Notification{Kind: NotificationConnectionError, Err: err})
	})
	orch.OnLocalRemoved(s.rejoin)
	orch.OnConnectionsChanged(s.updateStatus)
	orch.Registry().OnChange(s.layoutChanged)
	s.capture.OnScreenShareEnded(func() {
		if err := s.StopScreenShare(); err != nil && !errors.Is(err, media.ErrNotSharing) {
			s.logger.Warnw("could not stop screen share", err)
		}
	})

	s.lock.Lock()
	if s.closed.IsBroken() {
		s.lock.Unlock()
		<-presence.LeaveInBackground(s.params.Directory, s.params.Room, localID, s.params.LeaveTimeout)
		_ = tr.Close()
		s.capture.Close()
		return ErrSessionClosed
	}
	s.localID = localID
	s.joinedAt = joinedAt
	s.transport = tr
	s.orch = orch
	s.lock.Unlock()

	s.setStatus(StatusWaiting)
	if err := orch.Start(ctx); err != nil {
		s.Close()
		s.notify(Notification{Kind: NotificationJoinFailed, Err: err})
		return err
	}
	s.updateStatus()
	s.logger.Infow("joined call", "kind", s.params.Kind, "host", s.params.IsHost)
	return nil
}

func (s *Session) role() presence.Role {
	if s.params.IsHost {
		return presence.RoleHost
	}
	return presence.RoleGuest
}

// rejoin restores the local row after someone else deleted it, so peers dial back in.
func (s *Session) rejoin() {
	s.lock.Lock()
	if s.closed.IsBroken() || s.localID == "" {
		s.lock.Unlock()
		return
	}
	row := presence.Participant{
		ID:          s.localID,
		DisplayName: s.params.DisplayName,
		Role:        s.role(),
		JoinedAt:    s.joinedAt,
		HandRaised:  s.handRaised,
	}
	s.lock.Unlock()
	row.ScreenSharing = s.capture.ScreenSharing()

	ctx, cancel := context.WithTimeout(context.Background(), s.params.LeaveTimeout)
	defer cancel()
	if err := s.params.Directory.Join(ctx, s.params.Room, row); err != nil {
		s.logger.Warnw("could not restore presence row", err)
		s.notify(Notification{Kind: NotificationConnectionError, Err: err})
		return
	}
	if s.closed.IsBroken() {
		// lost a race with Close, take the row back out
		s.leave()
		return
	}
	s.logger.Infow("presence row restored")
}

func (s *Session) failStart(err error, tr transport.Transport) error {
	s.logger.Warnw("could not start call", err)
	if tr != nil {
		_ = tr.Close()
	}
	s.capture.Close()
	s.notify(Notification{Kind: NotificationJoinFailed, Err: err})
	s.setStatus(StatusEnded)
	return err
}

// ToggleHandRaise flips the local hand and returns the new value. A failed write leaves the hand
// as it was.
func (s *Session) ToggleHandRaise(ctx context.Context) (bool, error) {
	s.lock.Lock()
	if s.orch == nil || s.closed.IsBroken() {
		s.lock.Unlock()
		return false, ErrNotStarted
	}
	s.handRaised = !s.handRaised
	raised := s.handRaised
	id := s.localID
	s.lock.Unlock()

	if err := s.params.Directory.UpdateSelf(ctx, s.params.Room, id, presence.SetHandRaised(raised)); err != nil {
		s.logger.Warnw("could not update hand", err, "raised", raised)
		s.lock.Lock()
		if s.handRaised == raised {
			s.handRaised = !raised
		}
		s.lock.Unlock()
		return !raised, errors.Wrap(err, "could not update hand")
	}
	return raised, nil
}

// SendReaction shows symbol on the local row and clears it after the reaction duration. The clear
// is scheduled once the row is written and is skipped only if a newer reaction replaced this one
// or the session closed.
func (s *Session) SendReaction(ctx context.Context, symbol string) error {
	s.lock.Lock()
	if s.orch == nil || s.closed.IsBroken() {
		s.lock.Unlock()
		return ErrNotStarted
	}
	s.reactionSeq++
	seq := s.reactionSeq
	id := s.localID
	duration := s.params.ReactionDuration
	s.lock.Unlock()

	update := presence.SetReaction(symbol, time.Now().Add(duration))
	if err := s.params.Directory.UpdateSelf(ctx, s.params.Room, id, update); err != nil {
		s.logger.Warnw("could not send reaction", err, "symbol", symbol)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsBroken() || seq != s.reactionSeq {
		return nil
	}
	s.reactionTimer[seq] = time.AfterFunc(duration, func() {
		s.clearReaction(seq)
	})
	return nil
}

func (s *Session) clearReaction(seq uint64) {
	s.lock.Lock()
	delete(s.reactionTimer, seq)
	if s.closed.IsBroken() || seq != s.reactionSeq {
		s.lock.Unlock()
		return
	}
	id := s.localID
	s.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.params.LeaveTimeout)
	defer cancel()
	if err := s.params.Directory.UpdateSelf(ctx, s.params.Room, id, presence.ClearReaction()); err != nil {
		s.logger.Warnw("could not clear reaction", err)
	}
}

func (s *Session) SetMuted(muted bool) error {
	return s.capture.SetMuted(muted)
}

func (s *Session) Muted() bool {
	return s.capture.Muted()
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	return s.capture.SetVideoEnabled(enabled)
}

func (s *Session) VideoEnabled() bool {
	return s.capture.VideoEnabled()
}

func (s *Session) ScreenSharing() bool {
	return s.capture.ScreenSharing()
}

// StartScreenShare swaps the screen into every connection in place of the camera.
func (s *Session) StartScreenShare(ctx context.Context) error {
	orch, id, err := s.started()
	if err != nil {
		return err
	}

	screen, err := s.capture.StartScreenShare(ctx)
	if err != nil {
		s.notify(Notification{Kind: NotificationScreenShareFailed, Err: err})
		return err
	}
	if err := orch.ReplaceVideoTrack(screen); err != nil {
		s.logger.Warnw("screen not sent on every connection", err)
	}
	s.recorder.Refresh()
	if err := s.params.Directory.UpdateSelf(ctx, s.params.Room, id, presence.SetScreenSharing(true)); err != nil {
		s.logger.Warnw("could not update screen share state", err)
	}
	return nil
}

// StopScreenShare puts the camera back on every connection.
func (s *Session) StopScreenShare() error {
	orch, id, err := s.started()
	if err != nil {
		return err
	}

	camera, err := s.capture.StopScreenShare()
	if err != nil {
		return err
	}
	if err := orch.ReplaceVideoTrack(camera); err != nil {
		s.logger.Warnw("camera not restored on every connection", err)
	}
	s.recorder.Refresh()

	ctx, cancel := context.WithTimeout(context.Background(), s.params.LeaveTimeout)
	defer cancel()
	if err := s.params.Directory.UpdateSelf(ctx, s.params.Room, id, presence.SetScreenSharing(false)); err != nil {
		s.logger.Warnw("could not update screen share state", err)
	}
	return nil
}

// StartRecording records the stream of participantID, which may be the local participant.
func (s *Session) StartRecording(participantID string) error {
	orch, _, err := s.started()
	if err != nil {
		return err
	}
	entry, ok := orch.Registry().Get(participantID)
	if !ok {
		err = ErrUnknownParticipant
	} else {
		err = s.recorder.Start(participantID, entry.Stream)
	}
	if err != nil {
		s.notify(Notification{Kind: NotificationRecordingFailed, Err: err})
		return err
	}
	return nil
}

func (s *Session) StopRecording() (*recording.File, error) {
	return s.recorder.Stop()
}

func (s *Session) Recording() recording.State {
	return s.recorder.State()
}

func (s *Session) Pin(participantID string) {
	s.layout.Pin(participantID)
	s.layoutChanged()
}

func (s *Session) Unpin() {
	s.layout.Unpin()
	s.layoutChanged()
}

func (s *Session) SetMode(mode layout.Mode) {
	s.layout.SetMode(mode)
	s.layoutChanged()
}

func (s *Session) Layout() layout.Layout {
	return s.layout.Compute(s.Streams())
}

// Streams is the current stream registry, local participant first.
func (s *Session) Streams() []rtc.StreamEntry {
	s.lock.Lock()
	orch := s.orch
	s.lock.Unlock()
	if orch == nil {
		return nil
	}
	return orch.Registry().Entries()
}

func (s *Session) Connections() []rtc.ConnectionInfo {
	s.lock.Lock()
	orch := s.orch
	s.lock.Unlock()
	if orch == nil {
		return nil
	}
	return orch.Connections()
}

// EndCall tells the host the call was ended here, then closes the session.
func (s *Session) EndCall() {
	s.lock.Lock()
	f := s.onEnded
	s.lock.Unlock()

	if f != nil && !s.closed.IsBroken() {
		f(EndedEvent{Room: s.params.Room, IsHost: s.params.IsHost})
	}
	s.Close()
}

// Close closes every connection, leaves presence and releases local media. The transport identity
// is disposed of and the session cannot be restarted.
func (s *Session) Close() {
	if !s.shutdown() {
		return
	}
	s.leave()
	s.release()
}

// CloseInBackground starts the presence delete without waiting for it and tears down the rest.
// Meant for signal handlers, where the process may exit at any moment.
func (s *Session) CloseInBackground() <-chan struct{} {
	if !s.shutdown() {
		done := make(chan struct{})
		close(done)
		return done
	}

	s.lock.Lock()
	id := s.localID
	s.lock.Unlock()

	var left <-chan struct{}
	if id != "" {
		left = presence.LeaveInBackground(s.params.Directory, s.params.Room, id, s.params.LeaveTimeout)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.release()
		if left != nil {
			<-left
		}
	}()
	return done
}

func (s *Session) shutdown() bool {
	s.lock.Lock()
	if s.closed.IsBroken() {
		s.lock.Unlock()
		return false
	}
	s.closed.Break()
	for seq, t := range s.reactionTimer {
		t.Stop()
		delete(s.reactionTimer, seq)
	}
	s.lock.Unlock()
	return true
}

func (s *Session) leave() {
	s.lock.Lock()
	id := s.localID
	s.lock.Unlock()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.params.LeaveTimeout)
	defer cancel()
	if err := s.params.Directory.Leave(ctx, s.params.Room, id); err != nil {
		s.logger.Warnw("could not leave presence", err)
	}
}

func (s *Session) release() {
	s.lock.Lock()
	orch := s.orch
	tr := s.transport
	s.lock.Unlock()

	if s.recorder.State() == recording.StateRecording {
		if _, err := s.recorder.Stop(); err != nil {
			s.logger.Debugw("could not stop recording", "error", err)
		}
	}
	if orch != nil {
		orch.Close()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Debugw("could not close transport", "error", err)
		}
	}
	s.capture.Close()
	s.setStatus(StatusEnded)
	s.logger.Infow("left call")
}

func (s *Session) started() (*rtc.Orchestrator, string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed.IsBroken() {
		return nil, "", ErrSessionClosed
	}
	if s.orch == nil {
		return nil, "", ErrNotStarted
	}
	return s.orch, s.localID, nil
}

func (s *Session) updateStatus() {
	s.lock.Lock()
	orch := s.orch
	s.lock.Unlock()
	if orch == nil || s.closed.IsBroken() {
		return
	}

	status := StatusWaiting
	for _, c := range orch.Connections() {
		if c.State == rtc.ConnectionStateConnected {
			status = StatusConnected
			break
		}
		status = StatusCalling
	}
	s.setStatus(status)
}

func (s *Session) setStatus(status Status) {
	s.lock.Lock()
	if s.status == status || (s.status == StatusEnded && status != StatusEnded) {
		s.lock.Unlock()
		return
	}
	s.status = status
	f := s.onStatusChanged
	s.lock.Unlock()

	s.logger.Debugw("status changed", "status", status)
	if f != nil {
		f(status)
	}
}

func (s *Session) notify(n Notification) {
	s.lock.Lock()
	f := s.onNotification
	s.lock.Unlock()

	s.logger.Infow("notifying user", "kind", n.Kind, "error", n.Err)
	if f != nil {
		f(n)
	}
}

func (s *Session) layoutChanged() {
	s.recorder.Refresh()

	s.lock.Lock()
	f := s.onLayoutChanged
	s.lock.Unlock()
	if f == nil {
		return
	}
	s.debounce(func() {
		if s.closed.IsBroken() {
			return
		}
		f(s.Layout())
	})
}
