// Package intent classifies an utterance into the action the assistant
// should take before generating a reply.
//
// Classification is rule based. A [Router] walks a fixed priority list of
// matchers (email, knowledge base, web search) and falls back to general
// chat. Branches switched off in the settings snapshot are skipped.
package intent

// Kind tags the variant held by an [Intent].
type Kind int

const (
	KindGeneralChat Kind = iota
	KindEmail
	KindKnowledgeBase
	KindWebSearch
)

// String returns the snake_case name used in events, logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindEmail:
		return "email"
	case KindKnowledgeBase:
		return "knowledge_base"
	case KindWebSearch:
		return "web_search"
	default:
		return "general_chat"
	}
}

// NeedsTool reports whether the intent is served by a tool executor before
// generation.
func (k Kind) NeedsTool() bool { return k != KindGeneralChat }

// Intent is the result of routing one utterance. Only the fields belonging
// to Kind are set.
type Intent struct {
	Kind Kind

	// TargetFile names the document for KindKnowledgeBase. Empty means the
	// whole catalog.
	TargetFile string

	// Query is the search phrase for KindWebSearch, in its original case.
	Query string
}

// GeneralChat returns the default intent.
func GeneralChat() Intent { return Intent{Kind: KindGeneralChat} }

// Email returns an email dispatch intent.
func Email() Intent { return Intent{Kind: KindEmail} }

// KnowledgeBase returns a document lookup intent for target.
func KnowledgeBase(target string) Intent {
	return Intent{Kind: KindKnowledgeBase, TargetFile: target}
}

// WebSearch returns a search intent for query.
func WebSearch(query string) Intent { return Intent{Kind: KindWebSearch, Query: query} }
