package model

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// EventAnnotationsSummary is the derived overlay for a single event. It is a
// projection over stored relation events and can always be rebuilt.
type EventAnnotationsSummary struct {
	EventID    id.EventID          `json:"eventId"`
	Reactions  []ReactionSummary   `json:"reactions,omitempty"`
	Edit       *EditSummary        `json:"edit,omitempty"`
	Redacted   bool                `json:"redacted,omitempty"`
	RedactedBy id.EventID          `json:"redactedBy,omitempty"`
	Poll       *PollSummaryContent `json:"poll,omitempty"`
}

// IsEmpty reports whether the summary carries no annotation at all.
func (s *EventAnnotationsSummary) IsEmpty() bool {
	return s == nil || (len(s.Reactions) == 0 && s.Edit == nil && !s.Redacted && s.Poll == nil)
}

// ReactionSummary aggregates all reactions sharing a key.
type ReactionSummary struct {
	Key          string       `json:"key"`
	Count        int          `json:"count"`
	AddedByMe    bool         `json:"addedByMe"`
	SourceEvents []id.EventID `json:"sourceEvents"`
}

// EditSummary describes the replacement currently applied to an event.
type EditSummary struct {
	LatestEditID   id.EventID      `json:"latestEditId"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"originServerTs"`
	NewContent     json.RawMessage `json:"newContent"`
	Count          int             `json:"count"`
}

// PollOption is one answer of a poll.
type PollOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PollVote is the effective vote of one voter.
type PollVote struct {
	Voter          id.UserID  `json:"voter"`
	EventID        id.EventID `json:"eventId"`
	OptionIDs      []string   `json:"optionIds"`
	OriginServerTS int64      `json:"originServerTs"`
}

// VoteInfo is the tally of a single option.
type VoteInfo struct {
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// PollSummaryContent aggregates the votes cast on a poll.
type PollSummaryContent struct {
	Question        string              `json:"question"`
	MaxSelections   int                 `json:"maxSelections"`
	Options         []PollOption        `json:"options"`
	MyVote          []string            `json:"myVote,omitempty"`
	Votes           []PollVote          `json:"votes"`
	TotalVotes      int                 `json:"totalVotes"`
	WinnerVoteCount int                 `json:"winnerVoteCount"`
	VoteSummary     map[string]VoteInfo `json:"voteSummary"`
	Closed          bool                `json:"closed"`
	ClosedAt        int64               `json:"closedAt,omitempty"`
}

// SenderInfo is the profile of an event sender as it was at that point in history.
type SenderInfo struct {
	UserID      id.UserID `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
}

// DecoratedEvent is a timeline event ready for presentation.
type DecoratedEvent struct {
	Event       TimelineEvent            `json:"event"`
	Sender      SenderInfo               `json:"senderInfo"`
	Annotations *EventAnnotationsSummary `json:"annotations,omitempty"`
}
