package fakeserver

import (
	"sort"
	"sync"

	"github.com/rankpipe/rankpipe-go/api"
	"github.com/rankpipe/rankpipe-go/protocol"
)

const displayedEntries = 10

type boardEntry struct {
	userID   string
	userName string
	score    int64
}

// Board holds one leaderboard's state: entries, ranks and a monotonic
// update sequence.
type Board struct {
	mu      sync.Mutex
	id      string
	entries map[string]*boardEntry
	seq     int64
}

func newBoard(id string) *Board {
	return &Board{id: id, entries: make(map[string]*boardEntry)}
}

// Submit applies one score and returns the REST result plus the
// realtime update to broadcast.
func (b *Board) Submit(userID, userName string, score int64) (api.SubmitResult, protocol.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevRank := b.rankLocked(userID)
	existing, ok := b.entries[userID]

	var mutation protocol.Mutation
	operation := "insert"
	if ok {
		operation = "update"
		prevScore := existing.score
		if score > existing.score {
			existing.score = score
		}
		if userName != "" {
			existing.userName = userName
		}
		newRank := b.rankLocked(userID)
		mutation = protocol.Mutation{
			Type:          protocol.MutationScoreUpdate,
			UserID:        userID,
			PreviousScore: prevScore,
			NewScore:      existing.score,
			PreviousRank:  prevRank,
			NewRank:       newRank,
		}
	} else {
		b.entries[userID] = &boardEntry{userID: userID, userName: userName, score: score}
		newRank := b.rankLocked(userID)
		mutation = protocol.Mutation{
			Type:     protocol.MutationNewEntry,
			UserID:   userID,
			NewRank:  newRank,
			Score:    score,
			UserName: userName,
		}
	}

	rank := b.rankLocked(userID)
	b.seq++

	result := api.SubmitResult{
		LeaderboardID: b.id,
		UserID:        userID,
		Score:         b.entries[userID].score,
		Rank:          rank,
		PreviousRank:  prevRank,
		Operation:     operation,
	}
	update := protocol.Update{
		LeaderboardID: b.id,
		UpdateType:    operation,
		Leaderboard:   b.snapshotLocked(),
		Mutations:     []protocol.Mutation{mutation},
		Trigger:       protocol.Trigger{Kind: "score_submission", UserID: userID, Score: score},
		Sequence:      b.seq,
	}
	return result, update
}

// Top returns the first limit entries by rank.
func (b *Board) Top(limit int) api.Leaderboard {
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := b.sortedLocked()
	if limit <= 0 || limit > len(sorted) {
		limit = len(sorted)
	}

	entries := make([]api.LeaderboardEntry, limit)
	for i := 0; i < limit; i++ {
		entries[i] = api.LeaderboardEntry{
			Rank:     i + 1,
			UserID:   sorted[i].userID,
			UserName: sorted[i].userName,
			Score:    sorted[i].score,
		}
	}
	return api.Leaderboard{
		LeaderboardID:    b.id,
		Entries:          entries,
		TotalEntries:     len(sorted),
		DisplayedEntries: limit,
	}
}

// Rank returns one user's rank, or false when absent.
func (b *Board) Rank(userID string) (api.UserRank, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[userID]
	if !ok {
		return api.UserRank{}, false
	}
	return api.UserRank{
		LeaderboardID: b.id,
		UserID:        userID,
		Rank:          b.rankLocked(userID),
		Score:         entry.score,
	}, true
}

func (b *Board) sortedLocked() []*boardEntry {
	sorted := make([]*boardEntry, 0, len(b.entries))
	for _, e := range b.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		return sorted[i].userID < sorted[j].userID
	})
	return sorted
}

func (b *Board) rankLocked(userID string) int {
	for i, e := range b.sortedLocked() {
		if e.userID == userID {
			return i + 1
		}
	}
	return -1
}

func (b *Board) snapshotLocked() protocol.Snapshot {
	sorted := b.sortedLocked()
	limit := displayedEntries
	if limit > len(sorted) {
		limit = len(sorted)
	}
	entries := make([]protocol.Entry, limit)
	for i := 0; i < limit; i++ {
		entries[i] = protocol.Entry{
			Rank:     i + 1,
			UserID:   sorted[i].userID,
			UserName: sorted[i].userName,
			Score:    sorted[i].score,
		}
	}
	return protocol.Snapshot{
		Entries:          entries,
		TotalEntries:     len(sorted),
		DisplayedEntries: limit,
	}
}

// Registry holds all boards, created on first submission.
type Registry struct {
	mu     sync.Mutex
	boards map[string]*Board
}

func NewRegistry() *Registry {
	return &Registry{boards: make(map[string]*Board)}
}

// Board returns the named board, creating it when create is set.
func (r *Registry) Board(id string, create bool) (*Board, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.boards[id]
	if !ok && create {
		b = newBoard(id)
		r.boards[id] = b
		ok = true
	}
	return b, ok
}
