package model

import "strings"

// Participant status values written to a program's status field
const (
	ParticipantReserved    = "Reserved"
	ParticipantClaimed     = "Claimed"
	ParticipantDuplicate   = "Duplicate"
	ParticipantUnavailable = "Unavailable - no gift cards available"
	ParticipantLockProblem = "Database lock problem"
)

// Participant is a record of the host data-collection project, stored as field/value pairs
type Participant struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Field returns the trimmed value of a field, or "" when the field is absent.
func (p Participant) Field(name string) string {
	if p.Fields == nil {
		return ""
	}
	return strings.TrimSpace(p.Fields[name])
}

// Summary is the daily roll-up for one program
type Summary struct {
	Program           string         `json:"program"`
	SentYesterday     int            `json:"sent_yesterday"`
	ClaimedYesterday  int            `json:"claimed_yesterday"`
	UnclaimedOverWeek int            `json:"unclaimed_over_7_days"`
	UnclaimedInWeek   int            `json:"unclaimed_within_7_days"`
	NotReady          int            `json:"not_ready"`
	Awarded           int            `json:"awarded"`
	Claimed           int            `json:"claimed"`
	Available         int            `json:"available"`
	AvailableByBrand  map[string]int `json:"available_by_brand"`
}
