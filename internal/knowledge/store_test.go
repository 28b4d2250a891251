package knowledge_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/novaflow/internal/knowledge"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd.txt", "passwd.txt"},
		{`C:\docs\notes.txt`, "notes.txt"},
		{"my*file?.pdf", "myfile.pdf"},
		{"quarterly report-2024_v2.pdf", "quarterly report-2024_v2.pdf"},
		{"résumé.txt", "résumé.txt"},
		{"..hidden.txt", "hidden.txt"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := knowledge.SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStore_AddAndLookupText(t *testing.T) {
	s, err := knowledge.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	up, err := s.Add("notes.txt", strings.NewReader("alpha beta gamma"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if up.Name != "notes.txt" || up.Words != 3 || !up.Extracted {
		t.Errorf("unexpected upload result: %+v", up)
	}

	got, err := s.Lookup("NOTES.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "alpha beta gamma" {
		t.Errorf("Lookup = %q", got)
	}
}

func TestStore_LookupErrors(t *testing.T) {
	s, _ := knowledge.Open(t.TempDir(), knowledge.WithPDFExtractor(func(string) (string, error) {
		return "", errors.New("scanned image")
	}))
	if _, err := s.Add("scan.pdf", strings.NewReader("%PDF-1.4 ...")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := s.Lookup("myfile.pdf"); !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("missing doc: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Lookup("scan.pdf"); !errors.Is(err, knowledge.ErrNoContent) {
		t.Errorf("failed extraction: expected ErrNoContent, got %v", err)
	}
	if names := s.Names(); len(names) != 1 || names[0] != "scan.pdf" {
		t.Errorf("Names() = %v, want [scan.pdf]", names)
	}
}

func TestStore_AddRejects(t *testing.T) {
	s, _ := knowledge.Open(t.TempDir())
	if _, err := s.Add("image.png", strings.NewReader("x")); !errors.Is(err, knowledge.ErrUnsupportedType) {
		t.Errorf("png: expected ErrUnsupportedType, got %v", err)
	}
	if _, err := s.Add("???", strings.NewReader("x")); !errors.Is(err, knowledge.ErrInvalidName) {
		t.Errorf("empty name: expected ErrInvalidName, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("rejected uploads were indexed: %v", s.Names())
	}
}

func TestStore_InvalidPDFHasNoContent(t *testing.T) {
	s, _ := knowledge.Open(t.TempDir())
	up, err := s.Add("broken.pdf", strings.NewReader("this is not a pdf"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if up.Extracted {
		t.Error("garbage pdf reported as extracted")
	}
	if _, err := s.Lookup("broken.pdf"); !errors.Is(err, knowledge.ErrNoContent) {
		t.Errorf("expected ErrNoContent, got %v", err)
	}
}

func TestStore_ContentsTruncates(t *testing.T) {
	s, _ := knowledge.Open(t.TempDir(), knowledge.WithPDFExtractor(func(string) (string, error) {
		return strings.Repeat("p", 3000), nil
	}))
	mustAdd(t, s, "b.pdf", "")
	mustAdd(t, s, "a.txt", "short")
	mustAdd(t, s, "empty.txt", "   ")

	docs := s.Contents(2000)
	if len(docs) != 2 {
		t.Fatalf("Contents returned %d docs, want 2 (empty skipped)", len(docs))
	}
	if docs[0].Name != "a.txt" || docs[1].Name != "b.pdf" {
		t.Errorf("unexpected order: %s, %s", docs[0].Name, docs[1].Name)
	}
	if len(docs[1].Text) != 2000 {
		t.Errorf("pdf text length = %d, want 2000", len(docs[1].Text))
	}
}

func TestStore_ReindexUsesCache(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	extract := func(string) (string, error) {
		calls++
		return "pdf body", nil
	}

	s, _ := knowledge.Open(dir, knowledge.WithPDFExtractor(extract))
	mustAdd(t, s, "doc.pdf", "raw")
	mustAdd(t, s, "plain.txt", "plain body")

	// A file dropped in by hand is extracted on open.
	if err := os.WriteFile(filepath.Join(dir, "manual.txt"), []byte("manual body"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := knowledge.Open(dir, knowledge.WithPDFExtractor(extract))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if calls != 1 {
		t.Errorf("pdf extracted %d times, want 1 (cached on reopen)", calls)
	}
	want := []string{"doc.pdf", "manual.txt", "plain.txt"}
	got := reopened.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if text, _ := reopened.Lookup("manual.txt"); text != "manual body" {
		t.Errorf("manual.txt = %q", text)
	}
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s, _ := knowledge.Open(dir)
	mustAdd(t, s, "a.txt", "a")
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "chats"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Clear", s.Len())
	}
	reopened, _ := knowledge.Open(dir)
	if reopened.Len() != 0 {
		t.Errorf("files survived Clear: %v", reopened.Names())
	}
	for _, keep := range []string{"settings.json", "chats"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("Clear removed %s: %v", keep, err)
		}
	}
	// Store is still usable.
	mustAdd(t, s, "b.txt", "b")
}

func mustAdd(t *testing.T, s *knowledge.Store, name, body string) {
	t.Helper()
	if _, err := s.Add(name, strings.NewReader(body)); err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
}
