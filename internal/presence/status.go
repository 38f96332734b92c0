// Package presence tracks whether users are reachable. Records live in a
// shared store with a TTL; the per-process Tracker turns socket connects and
// disconnects into ONLINE and OFFLINE transitions.
package presence

import (
	"strings"
	"time"
)

// Status is a user's advertised availability.
type Status string

const (
	Online  Status = "ONLINE"
	Away    Status = "AWAY"
	DND     Status = "DND"
	Offline Status = "OFFLINE"
)

// Normalize maps client input onto a Status. "busy" is an alias for DND and
// anything unrecognized becomes OFFLINE.
func Normalize(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return Online
	case "AWAY":
		return Away
	case "DND", "BUSY":
		return DND
	default:
		return Offline
	}
}

// Record is the presence of one user.
type Record struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	Message      string    `json:"message,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// OfflineRecord is what a user with no stored record looks like.
func OfflineRecord(userID string) Record {
	return Record{UserID: userID, Status: Offline}
}
