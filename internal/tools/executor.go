package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/novaflow/internal/intent"
	"github.com/MrWong99/novaflow/internal/knowledge"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/resilience"
	"github.com/MrWong99/novaflow/internal/settings"
	"github.com/MrWong99/novaflow/pkg/provider/search"
)

// Executor dispatches an [intent.Intent] to the matching tool. Every call
// runs under its tool's [resilience.Guard].
type Executor struct {
	docs   *DocumentLookup
	search *WebSearch
	email  *EmailDispatch

	searchProvider string
	metrics        *observe.Metrics

	docGuard    *resilience.Guard
	searchGuard *resilience.Guard
	emailGuard  *resilience.Guard
}

// Option configures an [Executor].
type Option func(*executorConfig)

type executorConfig struct {
	docs           *DocumentLookup
	search         *WebSearch
	searchProvider string
	email          *EmailDispatch
	timeout        time.Duration
	emailTimeout   time.Duration
	metrics        *observe.Metrics
}

// WithDocuments enables the document lookup tool.
func WithDocuments(d *DocumentLookup) Option { return func(c *executorConfig) { c.docs = d } }

// WithWebSearch enables the web search tool. provider names the backend in
// metrics.
func WithWebSearch(w *WebSearch, provider string) Option {
	return func(c *executorConfig) {
		c.search = w
		c.searchProvider = provider
	}
}

// WithEmail enables the email tool.
func WithEmail(e *EmailDispatch) Option { return func(c *executorConfig) { c.email = e } }

// WithTimeout bounds document lookup and search calls. Default: 10s.
func WithTimeout(d time.Duration) Option { return func(c *executorConfig) { c.timeout = d } }

// WithEmailTimeout bounds webhook calls. Default: the tool timeout.
func WithEmailTimeout(d time.Duration) Option { return func(c *executorConfig) { c.emailTimeout = d } }

// WithMetrics records tool and provider metrics.
func WithMetrics(m *observe.Metrics) Option { return func(c *executorConfig) { c.metrics = m } }

// NewExecutor builds an Executor. Tools that are not configured fail
// softly when their intent is routed.
func NewExecutor(opts ...Option) *Executor {
	cfg := executorConfig{timeout: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.emailTimeout <= 0 {
		cfg.emailTimeout = cfg.timeout
	}
	return &Executor{
		docs:           cfg.docs,
		search:         cfg.search,
		email:          cfg.email,
		searchProvider: cfg.searchProvider,
		metrics:        cfg.metrics,
		docGuard:       resilience.NewGuard(resilience.GuardConfig{Name: ToolDocumentLookup, Timeout: cfg.timeout}),
		searchGuard:    resilience.NewGuard(resilience.GuardConfig{Name: ToolWebSearch, Timeout: cfg.timeout}),
		emailGuard:     resilience.NewGuard(resilience.GuardConfig{Name: ToolEmail, Timeout: cfg.emailTimeout}),
	}
}

// Run executes the tool for in. lastReply is the reply of the previous turn
// and is what the email tool sends. General chat returns a zero Result.
func (e *Executor) Run(ctx context.Context, in intent.Intent, snap settings.Snapshot, lastReply string) Result {
	var res Result
	switch in.Kind {
	case intent.KindKnowledgeBase:
		res = e.runDocuments(ctx, in.TargetFile)
	case intent.KindWebSearch:
		res = e.runSearch(ctx, in.Query, snap.MaxSearchResults)
	case intent.KindEmail:
		res = e.runEmail(ctx, lastReply)
	default:
		return Result{}
	}

	status := "ok"
	if res.Err != nil {
		status = "error"
		observe.Logger(ctx).Warn("tool failed", "tool", res.Tool, "err", res.Err)
	} else {
		observe.Logger(ctx).Debug("tool succeeded", "tool", res.Tool)
	}
	if e.metrics != nil {
		e.metrics.RecordToolCall(ctx, res.Tool, status)
	}
	return res
}

func (e *Executor) runDocuments(ctx context.Context, target string) Result {
	res := Result{Tool: ToolDocumentLookup, Target: target}
	// A missing or empty document is an answer, not a storage fault, so it
	// must not count against the breaker.
	var lookupErr error
	docs, err := resilience.Call(ctx, e.docGuard, func(ctx context.Context) ([]knowledge.Document, error) {
		docs, err := e.docs.Execute(ctx, target)
		if errors.Is(err, knowledge.ErrNotFound) || errors.Is(err, knowledge.ErrNoContent) {
			lookupErr = err
			return nil, nil
		}
		return docs, err
	})
	if err == nil {
		err = lookupErr
	}
	if err != nil {
		res.Err = err
		res.Note = documentNote(target, err)
		return res
	}
	res.Documents = docs
	return res
}

func (e *Executor) runSearch(ctx context.Context, query string, max int) Result {
	res := Result{Tool: ToolWebSearch, Query: query}
	start := time.Now()
	results, err := resilience.Call(ctx, e.searchGuard, func(ctx context.Context) ([]search.Result, error) {
		return e.search.Execute(ctx, query, max)
	})
	if e.metrics != nil && e.searchProvider != "" {
		e.metrics.RecordProviderCall(ctx, "search", e.searchProvider, time.Since(start), err)
	}
	if err != nil {
		if !errors.Is(err, ErrSearchUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
		}
		res.Err = err
		res.Note = "web search is unavailable right now. Answer from general knowledge and tell the user the search could not be performed."
		return res
	}
	res.Results = results
	return res
}

func (e *Executor) runEmail(ctx context.Context, text string) Result {
	res := Result{Tool: ToolEmail}
	var err error
	if strings.TrimSpace(text) == "" {
		err = ErrNothingToSend
	} else {
		err = e.emailGuard.Do(ctx, func(ctx context.Context) error {
			return e.email.Execute(ctx, text)
		})
	}
	switch {
	case errors.Is(err, ErrNothingToSend):
		res.Err = err
		res.Note = "there is no previous reply to email yet. Tell the user to ask something first."
	case err != nil:
		if !errors.Is(err, ErrWebhookFailed) {
			err = fmt.Errorf("%w: %w", ErrWebhookFailed, err)
		}
		res.Err = err
		res.Note = "sending the email failed. Tell the user the email could not be sent."
	default:
		res.Sent = true
		res.Note = "the previous reply was sent by email. Confirm this to the user briefly."
	}
	return res
}

func documentNote(target string, err error) string {
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		return fmt.Sprintf("the document %q was not found in the knowledge base. Tell the user the file was not found and suggest uploading it.", target)
	case errors.Is(err, knowledge.ErrNoContent) && target == "":
		return "the knowledge base has no readable documents. Tell the user no document content is available."
	case errors.Is(err, knowledge.ErrNoContent):
		return fmt.Sprintf("the document %q exists but no text could be extracted from it. Tell the user its content is unavailable.", target)
	default:
		return "the knowledge base could not be read. Tell the user the document is unavailable right now."
	}
}
