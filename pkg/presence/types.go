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

package presence

import (
	"context"
	"errors"
	"sort"
	"time"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Reaction struct {
	Symbol    string    `json:"symbol"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Participant is one row of a room's directory. Only its owner writes it, except for stale-entry deletion.
type Participant struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	Role          Role      `json:"role"`
	JoinedAt      time.Time `json:"joinedAt"`
	HandRaised    bool      `json:"handRaised"`
	ScreenSharing bool      `json:"screenSharing"`
	Reaction      *Reaction `json:"reaction,omitempty"`
}

func (p Participant) Clone() Participant {
	if p.Reaction != nil {
		r := *p.Reaction
		p.Reaction = &r
	}
	return p
}

func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

// Update carries the fields a participant may change on its own row.
type Update struct {
	HandRaised    *bool
	ScreenSharing *bool
	// set Reaction to show one, or ClearReaction to remove the current one
	Reaction      *Reaction
	ClearReaction bool
}

func SetHandRaised(raised bool) Update {
	return Update{HandRaised: &raised}
}

func SetScreenSharing(sharing bool) Update {
	return Update{ScreenSharing: &sharing}
}

func SetReaction(symbol string, expiresAt time.Time) Update {
	return Update{Reaction: &Reaction{Symbol: symbol, ExpiresAt: expiresAt}}
}

func ClearReaction() Update {
	return Update{ClearReaction: true}
}

// Apply merges u into p and reports whether anything changed.
func (u Update) Apply(p *Participant) bool {
	changed := false
	if u.HandRaised != nil && p.HandRaised != *u.HandRaised {
		p.HandRaised = *u.HandRaised
		changed = true
	}
	if u.ScreenSharing != nil && p.ScreenSharing != *u.ScreenSharing {
		p.ScreenSharing = *u.ScreenSharing
		changed = true
	}
	switch {
	case u.ClearReaction:
		if p.Reaction != nil {
			p.Reaction = nil
			changed = true
		}
	case u.Reaction != nil:
		r := *u.Reaction
		if p.Reaction == nil || *p.Reaction != r {
			p.Reaction = &r
			changed = true
		}
	}
	return changed
}

type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

type Event struct {
	Type        EventType   `json:"type"`
	Room        string      `json:"room"`
	Participant Participant `json:"participant"`
}

type Unsubscribe func()

var (
	ErrClosed             = errors.New("presence directory closed")
	ErrInvalidParticipant = errors.New("participant id must be set")
	ErrInvalidRoom        = errors.New("room must be set")
)

// Directory is a room-scoped, subscribable registry of participant rows.
//
// Subscribe delivers every existing row as EventAdded followed by each later change. Delivery to a
// subscriber is ordered and never blocks writers.
type Directory interface {
	Join(ctx context.Context, room string, p Participant) error
	// UpdateSelf is a no-op when the row no longer exists
	UpdateSelf(ctx context.Context, room, participantID string, u Update) error
	Leave(ctx context.Context, room, participantID string) error
	List(ctx context.Context, room string) ([]Participant, error)
	Subscribe(ctx context.Context, room string, onChange func(Event)) (Unsubscribe, error)
	Close() error
}

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
