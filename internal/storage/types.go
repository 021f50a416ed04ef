package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes the member-snapshot store.
//
// Driver is one of:
//
//	""/"none"  no persistence; every run re-enumerates the group
//	"file"     one JSON snapshot file per group, no extra deps
//	"sqlite"   database file, needs the sqlite build tag
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// MemberRecord is one community member as persisted. It is deliberately
// decoupled from the API client's wire type; callers convert.
type MemberRecord struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// MemberSnapshot is the full member set of one group at one point in time.
// Saving a snapshot replaces the previous one for the same group.
type MemberSnapshot struct {
	GroupID int64          `json:"group_id"`
	TakenAt time.Time      `json:"taken_at"`
	Members []MemberRecord `json:"members"`
}
