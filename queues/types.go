package queues

import (
	"context"
	"fmt"
	"time"
)

type ActivityType string

const (
	ActivityJoin  ActivityType = "Join"
	ActivityLeave ActivityType = "Leave"
)

// PlayerActivity is reported by game servers when a player enters or leaves.
type PlayerActivity struct {
	EventType ActivityType `json:"eventType"`
	UserID    int64        `json:"userId"`
	PlaceID   int64        `json:"placeId"`
	ServerID  string       `json:"serverId"`
}

func (a *PlayerActivity) Validate() error {
	if a.EventType != ActivityJoin && a.EventType != ActivityLeave {
		return fmt.Errorf("unexpected activity type %q", a.EventType)
	}
	if a.UserID <= 0 || a.PlaceID <= 0 || a.ServerID == "" {
		return fmt.Errorf("incomplete activity: userId=%d placeId=%d serverId=%q", a.UserID, a.PlaceID, a.ServerID)
	}
	return nil
}

const (
	EventPlacement  = "join-placement"
	EventValidation = "join-validation"
)

// JoinEvent is published for every placement and validation outcome.
type JoinEvent struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            string    `json:"type"`
	EventID         string    `json:"eventId"`
	UserID          int64     `json:"userId,omitempty"`
	PlaceID         int64     `json:"placeId,omitempty"`
	Job             string    `json:"job,omitempty"`
	Status          string    `json:"status,omitempty"`
	Accepted        *bool     `json:"accepted,omitempty"`
	At              time.Time `json:"at"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *PlayerActivity) error) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, ev *JoinEvent) error
}

// Discard is used when no event topic is configured.
type Discard struct{}

func (Discard) PublishEvent(context.Context, *JoinEvent) error { return nil }
