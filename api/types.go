package api

// ScoreEntry is one score in a bulk submission.
type ScoreEntry struct {
	UserID   string         `json:"userId"`
	Score    int64          `json:"score"`
	UserName string         `json:"userName,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SubmitRequest carries a single score submission.
type SubmitRequest struct {
	LeaderboardID string         `json:"-"`
	UserID        string         `json:"userId"`
	Score         int64          `json:"score"`
	UserName      string         `json:"userName,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SubmitResult is the server's acknowledgement of an applied score.
type SubmitResult struct {
	LeaderboardID string `json:"leaderboardId"`
	UserID        string `json:"userId"`
	Score         int64  `json:"score"`
	Rank          int    `json:"rank"`
	PreviousRank  int    `json:"previousRank,omitempty"`
	Operation     string `json:"operation"`
}

// BulkResult summarizes a bulk submission.
type BulkResult struct {
	LeaderboardID string         `json:"leaderboardId"`
	Submitted     int            `json:"submitted"`
	Results       []SubmitResult `json:"results,omitempty"`
}

// LeaderboardEntry is one row of a leaderboard read.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Score    int64  `json:"score"`
}

// Leaderboard is the response of a top-N read.
type Leaderboard struct {
	LeaderboardID    string             `json:"leaderboardId"`
	Entries          []LeaderboardEntry `json:"entries"`
	TotalEntries     int                `json:"totalEntries"`
	DisplayedEntries int                `json:"displayedEntries"`
}

// UserRank is the response of a per-user rank read.
type UserRank struct {
	LeaderboardID string `json:"leaderboardId"`
	UserID        string `json:"userId"`
	Rank          int    `json:"rank"`
	Score         int64  `json:"score"`
}
