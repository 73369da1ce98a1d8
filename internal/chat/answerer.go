// Package chat composes the question-answering flow: cache check, identity
// short-circuit, retrieval, model invocation, answer validation, and
// write-through to cache, profile, and history.
package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dkoval/docq/internal/pool"
	"github.com/dkoval/docq/internal/retrieval"
)

const historyTurns = 3

// Request is one question to answer.
type Request struct {
	UserID      string
	DocID       string
	Question    string
	NormalChat  bool // no document context at all
	ContextOnly bool // answer strictly from retrieved passages
}

// ResponseCache is the answer cache. Implemented by cache.Cache.
type ResponseCache interface {
	Response(ctx context.Context, docID, question string, contextOnly bool) (string, bool)
	StoreResponse(ctx context.Context, docID, question, answer string, contextOnly bool)
}

// ResourcePool hands out pooled answering resources. Implemented by pool.Pool.
type ResourcePool interface {
	Acquire(ctx context.Context, docID string, mode pool.Mode) (*pool.Resource, error)
}

// Retriever finds relevant passages. Implemented by retrieval.Searcher.
type Retriever interface {
	Retrieve(ctx context.Context, question string, idx retrieval.Index, topK int) []string
}

// IndexProvider returns the per-document vector index.
// Implemented by retrieval.SQLiteStore.
type IndexProvider interface {
	Index(docID string) retrieval.Index
}

// HistorySink records finished exchanges. Failures are logged, never
// surfaced; the answer does not depend on history durability.
type HistorySink interface {
	Append(ctx context.Context, docID, userID, question, answer string) error
	Recent(ctx context.Context, docID string, n int) ([]HistoryTurn, error)
}

// HistoryTurn is one past exchange rendered into context-mode prompts.
type HistoryTurn struct {
	Question string
	Answer   string
}

// PatternLearner observes question phrasing. Implemented by profile.Tracker.
type PatternLearner interface {
	Learn(userID, question string)
}

// CredentialReporter receives failures attributable to a credential.
// Implemented by llm.Rotator.
type CredentialReporter interface {
	ReportError(token string)
}

// CredentialErrorFunc decides whether a model failure is the credential's
// fault (auth, quota, rate limits) rather than a generic error.
type CredentialErrorFunc func(error) bool

// Answerer orchestrates one question end to end.
type Answerer struct {
	cache    ResponseCache
	pool     ResourcePool
	searcher Retriever
	indexes  IndexProvider
	history  HistorySink
	profiles PatternLearner
	rotator  CredentialReporter
	isCred   CredentialErrorFunc
	topK     int
	logger   *slog.Logger
}

// NewAnswerer wires an Answerer from its collaborators.
func NewAnswerer(
	cache ResponseCache,
	pool ResourcePool,
	searcher Retriever,
	indexes IndexProvider,
	history HistorySink,
	profiles PatternLearner,
	rotator CredentialReporter,
	isCredentialError CredentialErrorFunc,
) *Answerer {
	return &Answerer{
		cache:    cache,
		pool:     pool,
		searcher: searcher,
		indexes:  indexes,
		history:  history,
		profiles: profiles,
		rotator:  rotator,
		isCred:   isCredentialError,
		topK:     4,
		logger:   slog.Default(),
	}
}

// SetTopK overrides how many passages are retrieved per question.
func (a *Answerer) SetTopK(n int) {
	if n > 0 {
		a.topK = n
	}
}

// Answer runs the full flow and always returns a user-facing string. Every
// internal failure terminates in one of the fixed fallback answers; raw
// error text never reaches the caller.
func (a *Answerer) Answer(ctx context.Context, req Request) string {
	if cached, ok := a.cache.Response(ctx, req.DocID, req.Question, req.ContextOnly); ok {
		a.logger.Debug("response cache hit", "doc_id", req.DocID)
		return cached
	}

	if isIdentityQuestion(req.Question) {
		a.cache.StoreResponse(ctx, req.DocID, req.Question, identityAnswer, req.ContextOnly)
		a.profiles.Learn(req.UserID, req.Question)
		a.appendHistory(ctx, req, identityAnswer)
		return identityAnswer
	}

	answer, err := a.answer(ctx, req)
	if err != nil {
		a.logger.Warn("answering failed", "doc_id", req.DocID, "error", err)
		// The apology is recorded for auditability but never cached: the
		// next ask should retry the real flow.
		a.appendHistory(ctx, req, apologyAnswer)
		return apologyAnswer
	}

	a.cache.StoreResponse(ctx, req.DocID, req.Question, answer, req.ContextOnly)
	a.profiles.Learn(req.UserID, req.Question)
	a.appendHistory(ctx, req, answer)
	return answer
}

func (a *Answerer) answer(ctx context.Context, req Request) (string, error) {
	switch {
	case req.NormalChat:
		if req.ContextOnly {
			// Contradictory flags: there is no document to be strict about.
			return noContextForNormalChat, nil
		}
		return a.direct(ctx, req, normalChatPrompt(req.Question), shortNormalAnswer)
	case req.ContextOnly:
		return a.contextual(ctx, req)
	default:
		// Hybrid: the document exists but the user wants a general answer;
		// history and passages are deliberately excluded.
		return a.direct(ctx, req, hybridPrompt(req.Question), shortHybridAnswer)
	}
}

func (a *Answerer) direct(ctx context.Context, req Request, prompt, shortFallback string) (string, error) {
	res, err := a.pool.Acquire(ctx, req.DocID, pool.ModeDirect)
	if err != nil {
		return "", err
	}

	raw, err := res.Invoke(ctx, prompt)
	if err != nil {
		a.reportIfCredential(res, err)
		return "", err
	}
	return validate(raw, shortFallback), nil
}

func (a *Answerer) contextual(ctx context.Context, req Request) (string, error) {
	passages := a.searcher.Retrieve(ctx, req.Question, a.indexes.Index(req.DocID), a.topK)
	if len(passages) == 0 {
		return insufficientContext, nil
	}

	res, err := a.pool.Acquire(ctx, req.DocID, pool.ModeContext)
	if err != nil {
		return "", err
	}

	raw, err := res.Answer(ctx, req.Question, passages, a.recentHistory(ctx, req.DocID))
	if err != nil {
		a.reportIfCredential(res, err)
		return "", err
	}
	return validate(raw, insufficientContext), nil
}

func (a *Answerer) recentHistory(ctx context.Context, docID string) string {
	turns, err := a.history.Recent(ctx, docID, historyTurns)
	if err != nil {
		a.logger.Warn("loading history failed", "doc_id", docID, "error", err)
		return ""
	}

	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString("Q: " + t.Question + "\nA: " + t.Answer + "\n")
	}
	return sb.String()
}

func (a *Answerer) appendHistory(ctx context.Context, req Request, answer string) {
	if err := a.history.Append(ctx, req.DocID, req.UserID, req.Question, answer); err != nil {
		a.logger.Warn("recording history failed", "doc_id", req.DocID, "error", err)
	}
}

func (a *Answerer) reportIfCredential(res *pool.Resource, err error) {
	if a.isCred != nil && a.isCred(err) {
		a.rotator.ReportError(res.Credential())
	}
}

// validate substitutes a fixed message for empty or implausibly short model
// completions.
func validate(raw, fallback string) string {
	answer := strings.TrimSpace(raw)
	if len(answer) < minAnswerLength {
		return fallback
	}
	return answer
}

func isIdentityQuestion(question string) bool {
	q := strings.ToLower(question)
	for _, k := range identityKeywords {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}
