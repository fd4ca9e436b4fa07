package store

import "time"

// Status is a Campaign's lifecycle state (spec §3, §4.7).
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
)

// allowedTransitions realizes invariant I2.
var allowedTransitions = map[Status]map[Status]bool{
	StatusActive:    {StatusCompleted: true, StatusCancelled: true, StatusDeleted: true},
	StatusCancelled: {StatusActive: true, StatusDeleted: true},
	StatusCompleted: {StatusDeleted: true},
	StatusDeleted:   {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Campaign is a durable reminder campaign keyed by a Discord message+emoji.
type Campaign struct {
	ID        int64
	Title     string
	ChannelID string
	MessageID string
	Emoji     string
	RemindAt  time.Time
	CreatedAt time.Time
	Status    Status
}

// OptIn is one user's recorded reaction to a campaign's tracked emoji.
type OptIn struct {
	ID         int64
	CampaignID int64
	UserID     string
	Username   string
	TalliedAt  time.Time
}

// ReminderLog is an audit row for one broadcast attempt.
type ReminderLog struct {
	ID              int64
	CampaignID      int64
	SentAt          time.Time
	RecipientCount  int
	MessageChunks   int
	Success         bool
	ErrorMessage    string
}

// UpsertOutcome reports whether Store.UpsertOptIn inserted a new row.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Existing
)

// OptInPage is one page of Store.ListOptIns results.
type OptInPage struct {
	OptIns  []OptIn
	HasMore bool
	// After is the cursor to pass as AfterUserID for the next page, valid
	// when HasMore is true.
	After string
}
