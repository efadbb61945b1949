package presence

// Type mirrors the legacy user presence enum.
type Type string

const (
	Offline Type = "Offline"
	Online  Type = "Online"
	InGame  Type = "InGame"
)

// Snapshot is a user's presence as last reported by game servers.
// PlaceID is nil unless the user is in game.
type Snapshot struct {
	UserID  int64  `json:"userId"`
	PlaceID *int64 `json:"placeId,omitempty"`
	Type    Type   `json:"userPresenceType"`
}

// Game is one server a user is currently playing on.
type Game struct {
	ID      string `json:"id"`
	PlaceID int64  `json:"placeId"`
}
