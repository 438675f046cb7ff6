// Package protocol defines the wire message shapes shared by the
// WebSocket and SSE channels: the message envelope, control payloads,
// leaderboard update snapshots and the tagged mutation union.
package protocol

import (
	"github.com/goccy/go-json"
)

// Message kinds carried in the envelope Type field.
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeLeaderboardUpdate = "leaderboard_update"
	TypeUserRankChange    = "user_rank_change"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeConnectionInfo    = "connection_info"
)

// Server error codes that will not resolve by retrying. An error
// message carrying one of these terminates the connection for good.
const (
	CodeLeaderboardNotFound     = "leaderboard_not_found"
	CodeInvalidAPIKey           = "invalid_api_key"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeInvalidLeaderboardID    = "invalid_leaderboard_id"
)

// PermanentCode reports whether a server error code is terminal.
func PermanentCode(code string) bool {
	switch code {
	case CodeLeaderboardNotFound,
		CodeInvalidAPIKey,
		CodeInsufficientPermissions,
		CodeInvalidLeaderboardID:
		return true
	}
	return false
}

// Message is the envelope for every realtime frame.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is carried by subscribe/unsubscribe control frames.
type SubscribePayload struct {
	LeaderboardID string `json:"leaderboardId"`
	UserID        string `json:"userId,omitempty"`
}

// Entry is one row of a leaderboard snapshot.
type Entry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Score    int64  `json:"score"`
}

// Snapshot is the full top-N view carried by an update message.
type Snapshot struct {
	Entries          []Entry `json:"entries"`
	TotalEntries     int     `json:"totalEntries"`
	DisplayedEntries int     `json:"displayedEntries"`
}

// Mutation kinds.
const (
	MutationNewEntry       = "new_entry"
	MutationRankChange     = "rank_change"
	MutationScoreUpdate    = "score_update"
	MutationUsernameChange = "username_change"
	MutationRemoved        = "removed"
)

// Mutation is a typed change record. Which fields are populated depends
// on Type:
//
//	new_entry       userId, newRank, score, userName
//	rank_change     userId, previousRank, newRank, score
//	score_update    userId, previousScore, newScore, previousRank, newRank
//	username_change userId, previousUsername, newUsername, rank
//	removed         userId, previousRank, score
type Mutation struct {
	Type             string `json:"type"`
	UserID           string `json:"userId"`
	Rank             int    `json:"rank,omitempty"`
	NewRank          int    `json:"newRank,omitempty"`
	PreviousRank     int    `json:"previousRank,omitempty"`
	Score            int64  `json:"score,omitempty"`
	NewScore         int64  `json:"newScore,omitempty"`
	PreviousScore    int64  `json:"previousScore,omitempty"`
	UserName         string `json:"userName,omitempty"`
	NewUsername      string `json:"newUsername,omitempty"`
	PreviousUsername string `json:"previousUsername,omitempty"`
}

// Trigger describes what caused an update message.
type Trigger struct {
	Kind   string `json:"kind"`
	UserID string `json:"userId,omitempty"`
	Score  int64  `json:"score,omitempty"`
}

// Update is the payload of a leaderboard_update message. Sequence is a
// per-topic monotonic counter; receivers drop anything at or below the
// last sequence they saw.
type Update struct {
	LeaderboardID string     `json:"leaderboardId"`
	UpdateType    string     `json:"updateType"`
	Leaderboard   Snapshot   `json:"leaderboard"`
	Mutations     []Mutation `json:"mutations,omitempty"`
	Trigger       Trigger    `json:"trigger"`
	Sequence      int64      `json:"sequence"`
}

// UserRank is the payload of a user_rank_change message.
type UserRank struct {
	LeaderboardID string `json:"leaderboardId"`
	UserID        string `json:"userId"`
	Rank          int    `json:"rank"`
	PreviousRank  int    `json:"previousRank,omitempty"`
	Score         int64  `json:"score"`
}

// ServerError is the payload of an error message.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return "server error " + e.Code + ": " + e.Message
}

// Permanent reports whether the error code is in the terminal set.
func (e *ServerError) Permanent() bool { return PermanentCode(e.Code) }

// ConnectionInfo is the payload of a connection_info message.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime,omitempty"`
}
