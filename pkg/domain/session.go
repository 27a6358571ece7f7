package domain

import "time"

// Turn roles as recorded in session windows.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleSummary   = "summary"
)

// Turn is one entry in a session's conversational window.
type Turn struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	TokenEstimate int       `json:"token_estimate"`
	Timestamp     time.Time `json:"timestamp"`
}

// ReductionStrategy selects how a session window is brought back under its
// token ceiling.
type ReductionStrategy string

const (
	// ReduceTruncateOldest drops oldest turns until the window fits.
	ReduceTruncateOldest ReductionStrategy = "truncate-oldest"
	// ReduceSummarize replaces a prefix of turns with one synthetic summary
	// turn produced by a summarizer capability.
	ReduceSummarize ReductionStrategy = "summarize"
	// ReduceCompress is summarize with an aggressive prompt; the mechanics
	// are identical, the summarizer decides how much to keep.
	ReduceCompress ReductionStrategy = "compress"
)

// SessionPolicy configures window management for sessions created under it.
type SessionPolicy struct {
	// MaxTokens caps the summed token estimate of the window. Zero means
	// unbounded, which disables reduction entirely.
	MaxTokens int `json:"max_tokens"`

	Strategy ReductionStrategy `json:"strategy,omitempty"`

	// KeepRecent is the number of newest turns reduction never removes.
	KeepRecent int `json:"keep_recent,omitempty"`
}
