package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockRotator struct {
	mu         sync.Mutex
	token      string
	reported   []string
	decayCalls int
}

func (r *mockRotator) Next() string { return r.token }

func (r *mockRotator) ReportError(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, token)
}

func (r *mockRotator) DecayErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayCalls++
}

func (r *mockRotator) decays() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decayCalls
}

type mockClient struct {
	credential string
	reply      string
	err        error
	prompts    []string
	mu         sync.Mutex
}

func (m *mockClient) Invoke(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.err
}

func (m *mockClient) Credential() string { return m.credential }

func (m *mockClient) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

func countingBuilder(calls *atomic.Int64) BuildFunc {
	return func(_ context.Context, credential string) (ModelClient, error) {
		calls.Add(1)
		return &mockClient{credential: credential, reply: "ok"}, nil
	}
}

func TestAcquireReusesWithinIdleWindow(t *testing.T) {
	clock := newMockClock()
	var builds atomic.Int64
	p := NewWithClock(&mockRotator{token: "key-1"}, countingBuilder(&builds), clock, 300*time.Second, time.Hour)
	defer p.Close()

	first, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(299 * time.Second)
	second, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if first != second {
		t.Error("expected same resource instance within idle window")
	}
	if builds.Load() != 1 {
		t.Errorf("expected 1 client build, got %d", builds.Load())
	}
}

func TestAcquireRebuildsStaleResource(t *testing.T) {
	clock := newMockClock()
	var builds atomic.Int64
	p := NewWithClock(&mockRotator{token: "key-1"}, countingBuilder(&builds), clock, 300*time.Second, time.Hour)
	defer p.Close()

	first, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(300 * time.Second)
	second, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if first == second {
		t.Error("expected a fresh resource after idle timeout")
	}
	// The credential is unchanged, so the underlying client is reused even
	// though the resource was rebuilt.
	if builds.Load() != 1 {
		t.Errorf("expected client build to be reused, got %d builds", builds.Load())
	}
}

func TestAcquireSeparatesModes(t *testing.T) {
	clock := newMockClock()
	var builds atomic.Int64
	p := NewWithClock(&mockRotator{token: "key-1"}, countingBuilder(&builds), clock, 300*time.Second, time.Hour)
	defer p.Close()

	ctxRes, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err != nil {
		t.Fatalf("Acquire context: %v", err)
	}
	directRes, err := p.Acquire(context.Background(), "doc-1", ModeDirect)
	if err != nil {
		t.Fatalf("Acquire direct: %v", err)
	}

	if ctxRes == directRes {
		t.Error("modes must not share a pooled resource")
	}
	if p.Len() != 2 {
		t.Errorf("expected 2 pooled resources, got %d", p.Len())
	}
	if ctxRes.tmpl == nil {
		t.Error("context resource missing answering template")
	}
	if directRes.tmpl != nil {
		t.Error("direct resource must not carry a template")
	}
}

func TestAcquireBuildFailureReportsCredential(t *testing.T) {
	rot := &mockRotator{token: "key-bad"}
	build := func(_ context.Context, _ string) (ModelClient, error) {
		return nil, errors.New("invalid api key")
	}
	p := NewWithClock(rot, build, newMockClock(), 300*time.Second, time.Hour)
	defer p.Close()

	_, err := p.Acquire(context.Background(), "doc-1", ModeContext)
	if err == nil {
		t.Fatal("expected construction error")
	}
	if len(rot.reported) != 1 || rot.reported[0] != "key-bad" {
		t.Errorf("expected failure reported against key-bad, got %v", rot.reported)
	}
	if p.Len() != 0 {
		t.Errorf("failed construction must not pool an entry, got %d", p.Len())
	}
}

func TestAcquireConcurrentSingleConstruction(t *testing.T) {
	var builds atomic.Int64
	build := func(_ context.Context, credential string) (ModelClient, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &mockClient{credential: credential, reply: "ok"}, nil
	}
	p := NewWithClock(&mockRotator{token: "key-1"}, build, newMockClock(), 300*time.Second, time.Hour)
	defer p.Close()

	const callers = 8
	results := make([]*Resource, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Acquire(context.Background(), "doc-1", ModeContext)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("expected 1 construction for concurrent acquires, got %d", builds.Load())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different resource instance", i)
		}
	}
}

func TestClientSharedAcrossDocuments(t *testing.T) {
	var builds atomic.Int64
	p := NewWithClock(&mockRotator{token: "key-1"}, countingBuilder(&builds), newMockClock(), 300*time.Second, time.Hour)
	defer p.Close()

	for _, doc := range []string{"doc-1", "doc-2", "doc-3"} {
		if _, err := p.Acquire(context.Background(), doc, ModeContext); err != nil {
			t.Fatalf("Acquire %s: %v", doc, err)
		}
	}

	if builds.Load() != 1 {
		t.Errorf("documents sharing a credential must share the client, got %d builds", builds.Load())
	}
}

func TestReaperEvictsIdleAndDecays(t *testing.T) {
	clock := newMockClock()
	rot := &mockRotator{token: "key-1"}
	var builds atomic.Int64
	p := NewWithClock(rot, countingBuilder(&builds), clock, 300*time.Second, 10*time.Millisecond)
	defer p.Close()

	if _, err := p.Acquire(context.Background(), "doc-1", ModeContext); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clock.Advance(301 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for p.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Len() != 0 {
		t.Fatal("reaper did not evict idle resource")
	}
	if rot.decays() == 0 {
		t.Error("reaper must trigger error decay on each cycle")
	}

	// Once empty the reaper stops itself.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		running := p.reaperRunning
		p.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("reaper still running after pool drained")
}

func TestResourceAnswerRendersTemplate(t *testing.T) {
	client := &mockClient{credential: "key-1", reply: "Paris is the capital."}
	res := &Resource{client: client, tmpl: answerTemplate}

	answer, err := res.Answer(context.Background(), "What is the capital of France?",
		[]string{"France is a country in Europe.", "Its capital is Paris."},
		"User: hello\nAssistant: hi")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer != "Paris is the capital." {
		t.Errorf("unexpected answer %q", answer)
	}

	prompt := client.lastPrompt()
	for _, want := range []string{
		"What is the capital of France?",
		"Its capital is Paris.",
		"Recent conversation:",
		"User: hello",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestResourceAnswerOmitsEmptyHistory(t *testing.T) {
	client := &mockClient{credential: "key-1", reply: "ok"}
	res := &Resource{client: client, tmpl: answerTemplate}

	if _, err := res.Answer(context.Background(), "q", []string{"ctx"}, "  "); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if strings.Contains(client.lastPrompt(), "Recent conversation:") {
		t.Error("empty history must not render the conversation block")
	}
}

func TestResourceAnswerRequiresTemplate(t *testing.T) {
	res := &Resource{client: &mockClient{credential: "key-1"}}
	if _, err := res.Answer(context.Background(), "q", nil, ""); err == nil {
		t.Fatal("expected error answering on a direct-mode resource")
	}
}

func TestModeString(t *testing.T) {
	if got := fmt.Sprintf("%s/%s", ModeContext, ModeDirect); got != "context/direct" {
		t.Errorf("unexpected mode strings %q", got)
	}
}
