// Package profile keeps a lightweight in-memory record of how each user
// phrases questions. It is a heuristic signal only: never persisted, reset
// on restart, and safe to lose.
package profile

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	maxRecentQuestions = 10
	maxCommonWords     = 50
)

var wordPattern = regexp.MustCompile(`\b\w+\b`)

var (
	shortMarkers = []string{"brief", "short", "quickly"}
	longMarkers  = []string{"detail", "explain", "comprehensive"}
)

// Profile is a snapshot of one user's interaction patterns.
type Profile struct {
	RecentQuestions []string
	CommonWords     map[string]int
	PreferredLength string
}

type userPatterns struct {
	recentQuestions []string
	commonWords     map[string]int
	preferredLength string
}

// Tracker learns per-user question patterns. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*userPatterns
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*userPatterns)}
}

// Learn records one question for the user: the phrasing joins a bounded
// ring of recent questions, its words update the frequency bag (capped,
// least-frequent evicted), and explicit length markers in the question
// adjust the preferred answer length.
func (t *Tracker) Learn(userID, question string) {
	q := strings.ToLower(question)

	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		u = &userPatterns{
			commonWords:     make(map[string]int),
			preferredLength: "medium",
		}
		t.users[userID] = u
	}

	if len(u.recentQuestions) >= maxRecentQuestions {
		u.recentQuestions = u.recentQuestions[1:]
	}
	u.recentQuestions = append(u.recentQuestions, q)

	for _, word := range wordPattern.FindAllString(q, -1) {
		u.commonWords[word]++
	}
	if len(u.commonWords) > maxCommonWords {
		u.commonWords = topWords(u.commonWords, maxCommonWords)
	}

	switch {
	case containsAny(q, shortMarkers):
		u.preferredLength = "short"
	case containsAny(q, longMarkers):
		u.preferredLength = "long"
	}
}

// Get returns a copy of the user's profile, or ok=false if the user has
// never asked a question.
func (t *Tracker) Get(userID string) (Profile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		return Profile{}, false
	}

	p := Profile{
		RecentQuestions: append([]string(nil), u.recentQuestions...),
		CommonWords:     make(map[string]int, len(u.commonWords)),
		PreferredLength: u.preferredLength,
	}
	for w, n := range u.commonWords {
		p.CommonWords[w] = n
	}
	return p, true
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// topWords keeps the n most frequent words; ties break alphabetically so
// eviction is deterministic.
func topWords(counts map[string]int, n int) map[string]int {
	type wc struct {
		word  string
		count int
	}
	all := make([]wc, 0, len(counts))
	for w, c := range counts {
		all = append(all, wc{word: w, count: c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})

	kept := make(map[string]int, n)
	for _, e := range all[:n] {
		kept[e.word] = e.count
	}
	return kept
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
