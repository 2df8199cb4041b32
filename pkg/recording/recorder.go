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

package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/telemetry/prometheus"
	"github.com/livekit/meshcall/pkg/utils"
)

const (
	MimeTypeWebM = "video/webm"

	defaultMaxLate = 50
)

var (
	ErrRecordingInProgress = errors.New("a recording is already in progress")
	ErrNotRecording        = errors.New("no recording in progress")
	ErrNoTracks            = errors.New("stream has no tracks to record")
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
)

// File is a finished recording held in memory.
type File struct {
	Name     string
	MimeType string
	Data     []byte
	// number of chunks the container was written in
	Chunks   int
	Duration time.Duration
}

// Save writes the file into dir and returns its path.
func (f *File) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "could not create output dir")
	}
	path := filepath.Join(dir, f.Name)
	if err := os.WriteFile(path, f.Data, 0644); err != nil {
		return "", errors.Wrap(err, "could not write recording")
	}
	return path, nil
}

type RecorderParams struct {
	// packets a sample may lag before the builder gives up on it
	MaxLate uint16
	Logger  logger.Logger
}

// Recorder captures one stream at a time into a WebM file.
type Recorder struct {
	params RecorderParams

	lock    sync.Mutex
	state   State
	session *session
}

func NewRecorder(params RecorderParams) *Recorder {
	if params.MaxLate == 0 {
		params.MaxLate = defaultMaxLate
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Recorder{
		params: params,
		state:  StateIdle,
	}
}

func (r *Recorder) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Source is the participant being recorded, empty when idle.
func (r *Recorder) Source() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.participantID
}

// Start attaches to the stream's tracks. Only one recording may run at a time.
func (r *Recorder) Start(participantID string, stream *media.Stream) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.state != StateIdle {
		return ErrRecordingInProgress
	}
	if stream == nil || len(stream.Tracks()) == 0 {
		prometheus.RecordingFailed()
		return ErrNoTracks
	}

	s := newSession(participantID, stream, r.params)
	s.sync()
	r.session = s
	r.state = StateRecording
	prometheus.RecordingStarted()
	r.params.Logger.Infow("recording started", "participant", participantID, "streamID", stream.ID())
	return nil
}

// Refresh follows track changes on the recorded stream, such as a screen share replacing the
// camera or a remote track arriving after the recording started.
func (r *Recorder) Refresh() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != StateRecording {
		return
	}
	r.session.sync()
}

// Stop detaches from the stream and returns everything captured as one file. A recording that
// captured nothing still yields a file.
func (r *Recorder) Stop() (*File, error) {
	r.lock.Lock()
	if r.state != StateRecording {
		r.lock.Unlock()
		return nil, ErrNotRecording
	}
	s := r.session
	r.state = StateFinalizing
	r.lock.Unlock()

	f := s.finalize()

	r.lock.Lock()
	r.session = nil
	r.state = StateIdle
	r.lock.Unlock()

	prometheus.RecordingFinished(len(f.Data))
	r.params.Logger.Infow("recording finished",
		"participant", s.participantID,
		"size", len(f.Data),
		"chunks", f.Chunks,
		"duration", f.Duration,
	)
	return f, nil
}

type session struct {
	id            string
	participantID string
	stream        *media.Stream
	maxLate       uint16
	logger        logger.Logger
	startedAt     time.Time

	// tracks carrying our sink, keyed by track id. Guarded by Recorder.lock.
	attached map[string]media.Track

	lock         sync.Mutex
	chunks       *chunkWriter
	muxer        *webmMuxer
	audioBuilder *samplebuilder.SampleBuilder
	videoBuilder *samplebuilder.SampleBuilder
	done         bool
}

func newSession(participantID string, stream *media.Stream, params RecorderParams) *session {
	s := &session{
		id:            utils.NewGuid(utils.RecordingPrefix),
		participantID: participantID,
		stream:        stream,
		maxLate:       params.MaxLate,
		startedAt:     time.Now(),
		chunks:        &chunkWriter{},
		attached:      make(map[string]media.Track),
	}
	s.logger = params.Logger.WithValues("recordingID", s.id)

	hasAudio, hasVideo := false, false
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
		}
	}
	s.muxer = newWebmMuxer(s.chunks, hasAudio, hasVideo, s.logger)
	return s
}

// sync moves the sink onto the stream's current tracks. The container's track kinds are fixed
// when recording starts, a kind added later is skipped.
func (s *session) sync() {
	current := make(map[string]media.Track)
	for _, t := range s.stream.Tracks() {
		current[t.ID()] = t
	}

	for id, t := range s.attached {
		if _, ok := current[id]; !ok {
			t.RemoveSink(s.id)
			delete(s.attached, id)
			s.logger.Debugw("detached track", "trackID", id)
		}
	}

	for id, t := range current {
		if _, ok := s.attached[id]; ok {
			continue
		}
		kind := t.Kind()
		if !s.resetBuilder(kind, t.Codec().ClockRate) {
			s.logger.Debugw("skipping track, kind not in recording", "trackID", id, "kind", kind)
			continue
		}
		t.AddSink(s.id, media.SinkFunc(func(pkt *rtp.Packet) error {
			s.push(kind, pkt)
			return nil
		}))
		s.attached[id] = t
		s.logger.Debugw("attached track", "trackID", id, "kind", kind)
	}
}

// resetBuilder starts a fresh sample builder for a new track of kind, since its sequence numbers
// are unrelated to the previous one.
func (s *session) resetBuilder(kind webrtc.RTPCodecType, clockRate uint32) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.muxer.hasAudio:
		s.audioBuilder = samplebuilder.New(s.maxLate, &codecs.OpusPacket{}, clockRate)
	case kind == webrtc.RTPCodecTypeVideo && s.muxer.hasVideo:
		s.videoBuilder = samplebuilder.New(s.maxLate, &codecs.VP8Packet{}, clockRate)
	default:
		return false
	}
	return true
}

func (s *session) push(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.done {
		return
	}

	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.audioBuilder.Push(pkt.Clone())
		for sample := s.audioBuilder.Pop(); sample != nil; sample = s.audioBuilder.Pop() {
			s.muxer.writeAudio(sample)
		}
	case webrtc.RTPCodecTypeVideo:
		s.videoBuilder.Push(pkt.Clone())
		for sample := s.videoBuilder.Pop(); sample != nil; sample = s.videoBuilder.Pop() {
			s.muxer.writeVideo(sample)
		}
	}
}

func (s *session) finalize() *File {
	for id, t := range s.attached {
		t.RemoveSink(s.id)
		delete(s.attached, id)
	}

	s.lock.Lock()
	s.done = true
	s.muxer.close()
	data, n := s.chunks.flush()
	s.lock.Unlock()

	return &File{
		Name:     fmt.Sprintf("recording-%s-%s.webm", s.participantID, s.startedAt.Format("20060102-150405")),
		MimeType: MimeTypeWebM,
		Data:     data,
		Chunks:   n,
		Duration: s.muxer.duration(),
	}
}
