// Package knowledge stores uploaded reference documents and the text
// extracted from them.
//
// Extraction happens once, at upload time. The text is cached in a sidecar
// file under the extracted/ subdirectory so that a restart only re-reads
// it. A document whose extraction failed stays listed with no content.
package knowledge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when no document has the requested name.
	ErrNotFound = errors.New("knowledge: document not found")

	// ErrNoContent is returned when a document exists but no text could be
	// extracted from it.
	ErrNoContent = errors.New("knowledge: document has no extractable text")

	// ErrUnsupportedType is returned by Add for files that are neither PDF
	// nor plain text.
	ErrUnsupportedType = errors.New("knowledge: only .pdf and .txt files are supported")

	// ErrInvalidName is returned by Add when nothing usable is left of the
	// file name after sanitising.
	ErrInvalidName = errors.New("knowledge: invalid file name")
)

const extractedDir = "extracted"

// PreviewLen is the number of characters returned in [Upload.Preview].
const PreviewLen = 200

// Extractor returns the plain text of the file at path.
type Extractor func(path string) (string, error)

// Document is one catalog entry with its extracted text.
type Document struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Upload describes the outcome of [Store.Add].
type Upload struct {
	Name      string `json:"name"`
	Words     int    `json:"words"`
	Preview   string `json:"extracted_text"`
	Extracted bool   `json:"extracted"`
}

// Store is a directory-backed document catalog. It is safe for concurrent
// use.
type Store struct {
	dir        string
	extractPDF Extractor

	mu   sync.RWMutex
	docs map[string]string // name -> extracted text
}

// Option configures a [Store].
type Option func(*Store)

// WithPDFExtractor replaces the PDF text extractor.
func WithPDFExtractor(fn Extractor) Option {
	return func(s *Store) { s.extractPDF = fn }
}

// Open creates dir if needed and indexes the documents already in it.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        dir,
		extractPDF: ExtractPDF,
		docs:       make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(filepath.Join(dir, extractedDir), 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create dir: %w", err)
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory documents are stored in.
func (s *Store) Dir() string { return s.dir }

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\s.-]`)

// SanitizeName strips directory components and every character other than
// letters, digits, underscore, whitespace, dot and hyphen.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.TrimLeft(strings.TrimSpace(name), ".")
}

func supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".txt":
		return true
	}
	return false
}

// Add saves the contents of r under the sanitised name, extracts its text
// and indexes it. An existing document of the same name is replaced. A
// failed extraction is not an error: the document is kept and Extracted is
// false.
func (s *Store) Add(name string, r io.Reader) (Upload, error) {
	name = SanitizeName(name)
	if name == "" {
		return Upload{}, ErrInvalidName
	}
	if !supported(name) {
		return Upload{Name: name}, ErrUnsupportedType
	}

	path := filepath.Join(s.dir, name)
	if err := writeFrom(path, r); err != nil {
		return Upload{Name: name}, err
	}

	text, err := s.extract(path)
	if err != nil {
		slog.Warn("knowledge: text extraction failed", "name", name, "err", err)
		text = ""
	}
	if err := os.WriteFile(s.sidecar(name), []byte(text), 0o644); err != nil {
		return Upload{Name: name}, fmt.Errorf("knowledge: write extracted text: %w", err)
	}

	s.mu.Lock()
	s.docs[name] = text
	s.mu.Unlock()

	up := Upload{
		Name:      name,
		Words:     len(strings.Fields(text)),
		Preview:   truncate(text, PreviewLen),
		Extracted: strings.TrimSpace(text) != "",
	}
	slog.Info("knowledge: document added", "name", name, "words", up.Words)
	return up, nil
}

// Lookup returns the text of the named document. Names compare
// case-insensitively.
func (s *Store) Lookup(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text, ok := s.docs[name]
	if !ok {
		for n, t := range s.docs {
			if strings.EqualFold(n, name) {
				text, ok = t, true
				break
			}
		}
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoContent, name)
	}
	return text, nil
}

// Names returns the sorted document names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.docs))
	for n := range s.docs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Contents returns every document that has text, sorted by name, with each
// text cut to at most limit characters. A limit of zero or less keeps the
// full text.
func (s *Store) Contents(limit int) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for n, t := range s.docs {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if limit > 0 {
			t = truncate(t, limit)
		}
		out = append(out, Document{Name: n, Text: t})
	}
	slices.SortFunc(out, func(a, b Document) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Clear deletes every document and its extracted text. Other files in the
// directory (chat files, the settings file) are left alone.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("knowledge: clear: %w", err)
	}
	var errs []error
	for _, e := range entries {
		doc := e.Type().IsRegular() && supported(e.Name())
		if !doc && e.Name() != extractedDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.dir, extractedDir), 0o755); err != nil {
		errs = append(errs, err)
	}
	s.docs = make(map[string]string)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("knowledge: clear: %w", err)
	}
	slog.Info("knowledge: cleared")
	return nil
}

// reindex loads every supported file in the directory, preferring cached
// text over a fresh extraction.
func (s *Store) reindex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("knowledge: read dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !supported(e.Name()) {
			continue
		}
		name := e.Name()
		if cached, err := os.ReadFile(s.sidecar(name)); err == nil {
			s.docs[name] = string(cached)
			continue
		}
		text, err := s.extract(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("knowledge: text extraction failed", "name", name, "err", err)
		}
		if werr := os.WriteFile(s.sidecar(name), []byte(text), 0o644); werr != nil {
			slog.Warn("knowledge: cannot cache extracted text", "name", name, "err", werr)
		}
		s.docs[name] = text
	}
	if len(s.docs) > 0 {
		slog.Info("knowledge: indexed documents", "count", len(s.docs))
	}
	return nil
}

func (s *Store) extract(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return s.extractPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return string(data), nil
}

func (s *Store) sidecar(name string) string {
	return filepath.Join(s.dir, extractedDir, name+".txt")
}

func writeFrom(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("knowledge: create %q: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("knowledge: write %q: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
