package intent

import (
	"regexp"
	"strings"

	"github.com/MrWong99/novaflow/internal/settings"
)

// Catalog lists the documents that can be referenced by name.
type Catalog interface {
	Names() []string
}

type matcher struct {
	kind    Kind
	enabled func(settings.Snapshot) bool
	match   func(r *Router, text string) (Intent, bool)
}

// priority is the routing order. The first matcher that accepts wins.
var priority = []matcher{
	{kind: KindEmail, enabled: always, match: (*Router).matchEmail},
	{
		kind:    KindKnowledgeBase,
		enabled: func(s settings.Snapshot) bool { return s.IncludeKnowledgeBase },
		match:   (*Router).matchKnowledgeBase,
	},
	{
		kind:    KindWebSearch,
		enabled: func(s settings.Snapshot) bool { return s.EnableSearch },
		match:   (*Router).matchSearch,
	},
}

func always(settings.Snapshot) bool { return true }

// Priority returns the order in which intents are tried. General chat is
// implied last.
func Priority() []Kind {
	kinds := make([]Kind, 0, len(priority)+1)
	for _, m := range priority {
		kinds = append(kinds, m.kind)
	}
	return append(kinds, KindGeneralChat)
}

// Router classifies utterances. It is safe for concurrent use.
type Router struct {
	catalog Catalog
	docs    *docMatcher
}

// NewRouter returns a Router that resolves document references against
// catalog. catalog may be nil.
func NewRouter(catalog Catalog) *Router {
	return &Router{catalog: catalog, docs: newDocMatcher()}
}

// Route classifies text using the feature switches in snap. It has no side
// effects.
func (r *Router) Route(text string, snap settings.Snapshot) Intent {
	text = normalize(text)
	if text == "" {
		return GeneralChat()
	}
	for _, m := range priority {
		if !m.enabled(snap) {
			continue
		}
		if in, ok := m.match(r, text); ok {
			return in
		}
	}
	return GeneralChat()
}

// normalize trims and collapses whitespace. Case is kept so that extracted
// queries read as the user typed them; all patterns are case-insensitive.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

var emailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsend\b.*\b(?:by|via|to)\s+(?:my\s+)?e-?mail\b`),
	regexp.MustCompile(`(?i)\be-?mail\s+(?:the\s+(?:summary|reply|response|answer)|this|that|it|me)\b`),
	regexp.MustCompile(`(?i)\bmail\s+the\s+summary\b`),
}

func (r *Router) matchEmail(text string) (Intent, bool) {
	for _, re := range emailPatterns {
		if re.MatchString(text) {
			return Email(), true
		}
	}
	return Intent{}, false
}

var (
	kbVerb   = regexp.MustCompile(`(?i)\b(?:summari[sz]e|summary|reference|according\s+to)\b|\bwhat\s+does\b.+\bsay\b`)
	fileName = regexp.MustCompile(`(?i)\b[\w-]+(?:\.[\w-]+)*\.(?:pdf|txt)\b`)
)

func (r *Router) matchKnowledgeBase(text string) (Intent, bool) {
	if !kbVerb.MatchString(text) {
		return Intent{}, false
	}
	explicit := fileName.FindString(text)

	var names []string
	if r.catalog != nil {
		names = r.catalog.Names()
	}

	if explicit != "" {
		for _, n := range names {
			if strings.EqualFold(n, explicit) {
				return KnowledgeBase(n), true
			}
		}
		// A named file that was never uploaded still routes here so the
		// lookup can report it as missing.
		return KnowledgeBase(explicit), true
	}

	if name, ok := r.docs.match(text, names); ok {
		return KnowledgeBase(name), true
	}
	if len(names) > 0 {
		return KnowledgeBase(""), true
	}
	return Intent{}, false
}

var (
	searchTrigger = regexp.MustCompile(`(?i)\b(?:search|find|look\s+up)\b`)
	searchFiller  = regexp.MustCompile(`(?i)^(?:(?:for|about|me|on|up)\b\s*)+`)
)

const trailingPunct = ".?!,;: "

func (r *Router) matchSearch(text string) (Intent, bool) {
	loc := searchTrigger.FindStringIndex(text)
	if loc == nil {
		return Intent{}, false
	}
	query := strings.TrimSpace(text[loc[1]:])
	query = searchFiller.ReplaceAllString(query, "")
	query = strings.TrimRight(query, trailingPunct)
	if query == "" {
		query = strings.TrimRight(text, trailingPunct)
	}
	return WebSearch(query), true
}
