package store

import "time"

// Member ties an identity to a single role within one project. A member is
// never mutated except by role reassignment; removal deletes the whole record.
type Member struct {
	UserID    string
	Nickname  string
	Role      string
	CreatedAt time.Time
}

type Project struct {
	ID          string
	Title       string
	Description string
	Roles       []string
	Members     []Member
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conversation is derived state: one per distinct role in the project plus
// one unrestricted "Everyone". An empty RestrictedToRoles means visible to
// all current and future members. Participants are captured when the
// conversation is created or re-synced, not by a live query.
type Conversation struct {
	ID                string
	ProjectID         string
	Title             string
	RestrictedToRoles []string
	Participants      []Participant
	CreatedAt         time.Time
}

type Participant struct {
	UserID   string
	Nickname string
}

// Message rows are append-only: content, sender and created_at never change
// after insert. Seq is assigned by the database and breaks created_at ties so
// persisted order is a total order. Only the flag may be attached later,
// exactly once.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Seq            int64
	CreatedAt      time.Time
	Flag           *Flag
}

type Flag struct {
	FlaggedByAI bool      `json:"flaggedByAI"`
	Reason      string    `json:"reason"`
	Severity    string    `json:"severity"`
	FlaggedAt   time.Time `json:"flaggedAt"`
}

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)
