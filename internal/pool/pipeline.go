package pool

import (
	"context"
	"fmt"
	"strings"
	"text/template"
)

// answerTemplate is the grounded-answer prompt bound into context-mode
// resources. The persona and refusal phrasing are load-bearing: the chat
// layer matches on short or empty completions to decide fallback handling.
var answerTemplate = template.Must(template.New("answer").Parse(`You are Jack, an AI assistant that answers questions about the user's documents.

Answer the question using only the information in the context below. Be direct and concise. If the context does not contain enough information to answer, say so plainly instead of guessing.
{{if .History}}
Recent conversation:
{{.History}}
{{end}}
Context:
{{.Context}}

Question: {{.Question}}

Answer:`))

type answerInput struct {
	History  string
	Context  string
	Question string
}

// Resource is a pooled answering handle. Context-mode resources carry the
// answering template; direct-mode resources pass prompts through untouched.
type Resource struct {
	client ModelClient
	tmpl   *template.Template
}

// Credential reports which credential token built the underlying client,
// so callers can attribute model failures to it.
func (r *Resource) Credential() string {
	return r.client.Credential()
}

// Invoke sends a raw prompt to the underlying model client.
func (r *Resource) Invoke(ctx context.Context, prompt string) (string, error) {
	return r.client.Invoke(ctx, prompt)
}

// Answer renders the answering template over the retrieved passages and
// invokes the model. Only valid on context-mode resources.
func (r *Resource) Answer(ctx context.Context, question string, passages []string, history string) (string, error) {
	if r.tmpl == nil {
		return "", fmt.Errorf("resource has no answering template")
	}

	var sb strings.Builder
	err := r.tmpl.Execute(&sb, answerInput{
		History:  strings.TrimSpace(history),
		Context:  strings.Join(passages, "\n\n"),
		Question: question,
	})
	if err != nil {
		return "", fmt.Errorf("rendering answer prompt: %w", err)
	}
	return r.client.Invoke(ctx, sb.String())
}
