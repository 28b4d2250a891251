// Package tools implements the three tool executors a turn may invoke
// before generation: document lookup, web search and email dispatch.
//
// Tool failures never fail a turn. [Executor.Run] captures the error in the
// returned [Result] together with a note that is woven into the prompt, so
// the model can tell the user what went wrong.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/pkg/provider/search"
)

var (
	// ErrSearchUnavailable wraps every web search failure.
	ErrSearchUnavailable = errors.New("tools: web search unavailable")

	// ErrWebhookFailed wraps every email webhook failure.
	ErrWebhookFailed = errors.New("tools: email webhook failed")

	// ErrNothingToSend is returned by the email tool when there is no
	// previous reply to send.
	ErrNothingToSend = errors.New("tools: nothing to send")
)

// Tool names used in results, events and metrics.
const (
	ToolDocumentLookup = "document_lookup"
	ToolWebSearch      = "web_search"
	ToolEmail          = "email_dispatch"
)

// CatalogDocLimit caps each document when the whole catalog is used.
const CatalogDocLimit = 2000

// DocumentLimit caps a single requested document.
const DocumentLimit = 12000

// snippetLimit caps each search snippet in the prompt block.
const snippetLimit = 200

// Documents is the read side of the knowledge base.
type Documents interface {
	Lookup(name string) (string, error)
	Contents(limit int) []knowledge.Document
}

// DocumentLookup reads previously extracted document text.
type DocumentLookup struct {
	docs Documents
}

// NewDocumentLookup returns a lookup over docs.
func NewDocumentLookup(docs Documents) *DocumentLookup {
	return &DocumentLookup{docs: docs}
}

// Execute returns the text of target. An empty target returns every
// document with text, each cut to [CatalogDocLimit] characters. Errors wrap
// [knowledge.ErrNotFound] or [knowledge.ErrNoContent].
func (d *DocumentLookup) Execute(ctx context.Context, target string) ([]knowledge.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d == nil || d.docs == nil {
		return nil, knowledge.ErrNotFound
	}
	if target == "" {
		docs := d.docs.Contents(CatalogDocLimit)
		if len(docs) == 0 {
			return nil, knowledge.ErrNoContent
		}
		return docs, nil
	}
	text, err := d.docs.Lookup(target)
	if err != nil {
		return nil, err
	}
	if len([]rune(text)) > DocumentLimit {
		text = string([]rune(text)[:DocumentLimit])
	}
	return []knowledge.Document{{Name: target, Text: text}}, nil
}

// WebSearch queries a search provider.
type WebSearch struct {
	provider search.Provider
}

// NewWebSearch returns a search tool. provider may be nil, in which case
// every call fails with [ErrSearchUnavailable].
func NewWebSearch(provider search.Provider) *WebSearch {
	return &WebSearch{provider: provider}
}

// Execute returns at most max results for query.
func (w *WebSearch) Execute(ctx context.Context, query string, max int) ([]search.Result, error) {
	if w == nil || w.provider == nil {
		return nil, fmt.Errorf("%w: no search provider configured", ErrSearchUnavailable)
	}
	results, err := w.provider.Search(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	if max > 0 && len(results) > max {
		results = results[:max]
	}
	return results, nil
}

// Result is the outcome of one tool execution.
type Result struct {
	Tool string

	// Target and Query echo the intent's arguments.
	Target string
	Query  string

	Documents []knowledge.Document
	Results   []search.Result
	Sent      bool

	// Err is the failure, if any. Note describes it for the model and the
	// user.
	Err  error
	Note string
}

// OK reports whether the tool succeeded.
func (r Result) OK() bool { return r.Err == nil }

// PromptBlock renders the result as context for the model.
func (r Result) PromptBlock() string {
	var b strings.Builder
	switch r.Tool {
	case ToolDocumentLookup:
		if r.Err != nil {
			b.WriteString("Tool note: " + r.Note)
			break
		}
		b.WriteString("Knowledge Base Content:\n")
		for _, d := range r.Documents {
			fmt.Fprintf(&b, "\nFile: %s\n%s\n", d.Name, d.Text)
		}
	case ToolWebSearch:
		if r.Err != nil {
			b.WriteString("Tool note: " + r.Note)
			break
		}
		if len(r.Results) == 0 {
			fmt.Fprintf(&b, "Web search for %q returned no results.", r.Query)
			break
		}
		fmt.Fprintf(&b, "Web search results for %q:\n", r.Query)
		for i, res := range r.Results {
			fmt.Fprintf(&b, "%d. %s: %s (Source: %s)\n", i+1, res.Title, clip(res.Snippet, snippetLimit), res.URL)
		}
	case ToolEmail:
		b.WriteString("Tool note: " + r.Note)
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
