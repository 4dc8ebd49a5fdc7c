package model

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// RewardStatus is the lifecycle state of a gift card in the library
type RewardStatus int

const (
	StatusNotReady  RewardStatus = 0
	StatusAvailable RewardStatus = 1
	StatusReserved  RewardStatus = 2
	StatusClaimed   RewardStatus = 3
)

func (s RewardStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not_ready"
	case StatusAvailable:
		return "available"
	case StatusReserved:
		return "reserved"
	case StatusClaimed:
		return "claimed"
	}
	return "unknown"
}

// CanAdvanceTo reports whether a transition from s to next moves forward in the lifecycle.
// Claimed -> Claimed is allowed so repeated claim visits stay idempotent.
func (s RewardStatus) CanAdvanceTo(next RewardStatus) bool {
	if s == StatusClaimed && next == StatusClaimed {
		return true
	}
	return next > s
}

// Reward represents one gift card record in the library (inventory pool)
type Reward struct {
	ID             int64           `db:"id" json:"id"`
	PoolID         string          `db:"pool_id" json:"pool_id"`
	Status         RewardStatus    `db:"status" json:"status"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Brand          string          `db:"brand" json:"brand"`
	EgiftNumber    string          `db:"egift_number" json:"egift_number"`
	ChallengeCode  string          `db:"challenge_code" json:"challenge_code,omitempty"`
	URL            string          `db:"url" json:"url,omitempty"`
	Token          sql.NullString  `db:"reward_hash" json:"-"`
	ProgramName    sql.NullString  `db:"reward_name" json:"-"`
	ProjectID      sql.NullString  `db:"reward_pid" json:"-"`
	ParticipantID  sql.NullString  `db:"reward_record" json:"-"`
	AlternateEmail sql.NullString  `db:"alternate_email" json:"-"`
	ReservedAt     sql.NullTime    `db:"reserved_at" json:"reserved_at"`
	ClaimedAt      sql.NullTime    `db:"claimed_at" json:"claimed_at"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NewReward is the payload used when loading gift cards into a library
type NewReward struct {
	Amount        decimal.Decimal `json:"amount"`
	Brand         string          `json:"brand"`
	EgiftNumber   string          `json:"egift_number"`
	ChallengeCode string          `json:"challenge_code,omitempty"`
	URL           string          `json:"url,omitempty"`
	NotReady      bool            `json:"not_ready,omitempty"`
}

// InventoryFilter narrows the available rewards a program may draw from.
// Zero values mean "any".
type InventoryFilter struct {
	Amount    decimal.Decimal
	HasAmount bool
	Brand     string
}

// Matches reports whether r satisfies the filter's amount and brand constraints.
func (f InventoryFilter) Matches(r Reward) bool {
	if f.HasAmount && !r.Amount.Equal(f.Amount) {
		return false
	}
	if f.Brand != "" && r.Brand != f.Brand {
		return false
	}
	return true
}
