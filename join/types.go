package join

import (
	"context"
	"time"

	"agones-join-coordinator/presence"
	"agones-join-coordinator/tickets"
)

// Status is the tri-state a legacy client can act on.
type Status string

const (
	StatusWaiting Status = "Waiting"
	StatusJoining Status = "Joining"
	StatusError   Status = "Error"
)

// LegacyCode is the numeric launcher status the client expects on the wire.
func (s Status) LegacyCode() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusJoining:
		return 2
	default:
		return 4
	}
}

// Allocation is what an Allocator reports for a place. ServerID and Address
// are only set when Status is StatusJoining.
type Allocation struct {
	Status   Status
	ServerID string
	Address  string
}

// Allocator assigns game servers to places. It may block.
type Allocator interface {
	GetServerForPlace(ctx context.Context, placeID int64) (*Allocation, error)
	CreateTicketSeed(userID, placeID int64, ip string) tickets.JoinTicket
}

// Presence is a read-only, eventually consistent view of where users are playing.
type Presence interface {
	GetPresence(ctx context.Context, userID int64) (*presence.Snapshot, error)
	GetGamesUserIsPlaying(ctx context.Context, userID int64) ([]presence.Game, error)
}

type UserDirectory interface {
	GetUsername(ctx context.Context, userID int64) (string, error)
}

// PlacementResult is produced per launch request and never stored.
type PlacementResult struct {
	Status        Status `json:"status"`
	Job           string `json:"job,omitempty"`
	ServerAddress string `json:"serverAddress,omitempty"`
	Ticket        string `json:"ticket,omitempty"`
	PlaceID       int64  `json:"placeId,omitempty"`
	UserID        int64  `json:"userId,omitempty"`
	// Failure is set when Status is StatusError: an *AllocationError, or a
	// *tickets.DecodeError / *ValidationFailure for a reused ticket.
	Failure error `json:"-"`
}

// ServerAssignment tells a joining server what it was allocated for.
type ServerAssignment struct {
	PlaceID  int64  `json:"placeId"`
	Domain   string `json:"domain"`
	ServerID string `json:"serverId"`
}

// ValidateRequest is what a game server presents when a player connects.
// Nil expectations are not checked.
type ValidateRequest struct {
	JoinTicket            string
	ServerTicket          string
	ExpectedUserID        *int64
	ExpectedUsername      *string
	ExpectedAppearanceURL *string
}

// Verdict is the outcome of a ticket check. UserID and PlaceID are zero when
// the join ticket did not decode; PlaceID is the job's place once it decodes.
type Verdict struct {
	Accepted bool
	UserID   int64
	PlaceID  int64
	// Reason is empty when accepted.
	Reason string
}

type Options struct {
	// BaseURL prefixes the canonical character appearance URL.
	BaseURL           string
	AllocationTimeout time.Duration
	ValidationTimeout time.Duration
}

const (
	DefaultAllocationTimeout = 5 * time.Second
	DefaultValidationTimeout = 5 * time.Second
)
