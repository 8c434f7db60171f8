package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/upy/vm"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		line protocol.UInteger
		char protocol.UInteger
		want string
	}{
		{"simple word", "print(len", 0, 9, "len"},
		{"whole line", "pri", 0, 3, "pri"},
		{"empty", "", 0, 0, ""},
		{"multi line", "x = 1\ny = 2\nwhi", 2, 3, "whi"},
		{"dotted", "p = Point.no", 0, 12, "Point.no"},
		{"trailing dot", "Point.", 0, 6, "Point."},
		{"cursor at beginning", "hello", 0, 0, ""},
		{"after space", "x = ", 0, 4, ""},
		{"line beyond document", "single line", 5, 0, ""},
		{"column beyond line", "abc", 0, 99, "abc"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := extractPrefix(tc.text, protocol.Position{Line: tc.line, Character: tc.char})
			if got != tc.want {
				t.Errorf("extractPrefix = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		line protocol.UInteger
		char protocol.UInteger
		want string
	}{
		{"middle of word", "return total", 0, 9, "total"},
		{"at end", "total", 0, 5, "total"},
		{"between words", "a  b", 0, 2, ""},
		{"second line", "x = 1\nprint(x)", 1, 2, "print"},
		{"underscore", "my_var = 1", 0, 3, "my_var"},
		{"stops at dot", "self.count", 0, 7, "count"},
		{"empty", "", 0, 0, ""},
		{"line beyond document", "x", 3, 0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := extractWord(tc.text, protocol.Position{Line: tc.line, Character: tc.char})
			if got != tc.want {
				t.Errorf("extractWord = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitMember(t *testing.T) {
	tests := []struct {
		prefix       string
		recv, member string
		ok           bool
	}{
		{"Point.no", "Point", "no", true},
		{"Point.", "Point", "", true},
		{"a.b.c", "b", "c", true},
		{"plain", "", "", false},
		{".x", "", "", false},
	}
	for _, tc := range tests {
		recv, member, ok := splitMember(tc.prefix)
		if recv != tc.recv || member != tc.member || ok != tc.ok {
			t.Errorf("splitMember(%q) = %q, %q, %v, want %q, %q, %v",
				tc.prefix, recv, member, ok, tc.recv, tc.member, tc.ok)
		}
	}
}

func TestModuleName(t *testing.T) {
	tests := map[protocol.DocumentUri]string{
		"file:///home/dev/app/main.py": "main",
		"file:///tmp/util.tar.py":      "util.tar",
		"untitled":                     "untitled",
	}
	for uri, want := range tests {
		if got := moduleName(uri); got != want {
			t.Errorf("moduleName(%q) = %q, want %q", uri, got, want)
		}
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) should point to true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) should point to false")
	}
}

// ---------------------------------------------------------------------------
// Compile-backed features
// ---------------------------------------------------------------------------

const lspDoc = `def area(w, h):
    return w * h

class Point:
    def __init__(self, x):
        self.x = x
    def norm(self):
        return self.x

print(area(2, 3))
`

const lspURI = protocol.DocumentUri("file:///work/shapes.py")

func newTestLSP(t *testing.T) *LspServer {
	t.Helper()
	s := NewLSP(vm.New())
	t.Cleanup(s.worker.Stop)
	return s
}

func openDoc(t *testing.T, s *LspServer, text string) []protocol.Diagnostic {
	t.Helper()
	doc, diagnostics := s.analyze(lspURI, text)
	s.docs[string(lspURI)] = doc
	return diagnostics
}

func TestLSP_AnalyzeCollectsSymbols(t *testing.T) {
	s := newTestLSP(t)
	if diags := openDoc(t, s, lspDoc); len(diags) != 0 {
		t.Fatalf("diagnostics = %v, want none", diags)
	}
	doc := s.docs[string(lspURI)]

	area, ok := doc.symbols["area"]
	if !ok || area.detail != "def area(w, h)" {
		t.Errorf("area = %+v, want def area(w, h)", area)
	}
	point, ok := doc.symbols["Point"]
	if !ok || point.kind != protocol.CompletionItemKindClass {
		t.Fatalf("Point = %+v, want class", point)
	}
	for _, m := range []string{"__init__", "norm"} {
		if !contains(point.members, m) {
			t.Errorf("Point members %v missing %q", point.members, m)
		}
	}
}

func TestLSP_DiagnosticPosition(t *testing.T) {
	s := newTestLSP(t)
	openDoc(t, s, lspDoc)

	diags := openDoc(t, s, "x = 1\nreturn x\n")
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	d := diags[0]
	if d.Range.Start.Line != 1 {
		t.Errorf("diagnostic line = %d, want 1", d.Range.Start.Line)
	}
	if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityError {
		t.Error("diagnostic should be an error")
	}
	if _, ok := s.docs[string(lspURI)].symbols["area"]; !ok {
		t.Error("failed compile dropped the last good symbols")
	}
}

func TestLSP_Complete(t *testing.T) {
	s := newTestLSP(t)
	openDoc(t, s, lspDoc)
	doc := s.docs[string(lspURI)]

	tests := []struct {
		prefix string
		want   string
		kind   protocol.CompletionItemKind
	}{
		{"ar", "area", protocol.CompletionItemKindFunction},
		{"Po", "Point", protocol.CompletionItemKindClass},
		{"pri", "print", protocol.CompletionItemKindFunction},
		{"whi", "while", protocol.CompletionItemKindKeyword},
	}
	for _, tc := range tests {
		items := s.complete(doc, tc.prefix)
		found := false
		for _, item := range items {
			if !strings.HasPrefix(item.Label, tc.prefix) {
				t.Errorf("complete(%q) offered %q", tc.prefix, item.Label)
			}
			if item.Label == tc.want {
				found = true
				if item.Kind == nil || *item.Kind != tc.kind {
					t.Errorf("complete(%q): %q has kind %v, want %v", tc.prefix, tc.want, item.Kind, tc.kind)
				}
			}
		}
		if !found {
			t.Errorf("complete(%q) did not offer %q", tc.prefix, tc.want)
		}
	}
}

func TestLSP_CompleteMember(t *testing.T) {
	s := newTestLSP(t)
	openDoc(t, s, lspDoc)
	doc := s.docs[string(lspURI)]

	items := s.completeMember(doc, "Point", "no")
	if len(items) != 1 || items[0].Label != "norm" {
		t.Errorf("completeMember = %v, want [norm]", items)
	}
	if items := s.completeMember(doc, "Nope", ""); items != nil {
		t.Errorf("completeMember on unknown receiver = %v", items)
	}
}

func TestLSP_Hover(t *testing.T) {
	s := newTestLSP(t)
	openDoc(t, s, lspDoc)
	doc := s.docs[string(lspURI)]

	tests := []struct {
		word string
		want string
	}{
		{"area", "def area(w, h)"},
		{"Point", "norm"},
		{"print", "builtin"},
		{"return", "keyword"},
	}
	for _, tc := range tests {
		h := s.hover(doc, tc.word)
		if h == nil {
			t.Errorf("hover(%q) = nil", tc.word)
			continue
		}
		content := h.Contents.(protocol.MarkupContent)
		if !strings.Contains(content.Value, tc.want) {
			t.Errorf("hover(%q) = %q, want it to mention %q", tc.word, content.Value, tc.want)
		}
	}
	if h := s.hover(doc, "nowhere"); h != nil {
		t.Errorf("hover on unknown word = %v, want nil", h)
	}
}

func TestLSP_Definition(t *testing.T) {
	tests := []struct {
		word string
		line protocol.UInteger
		char protocol.UInteger
	}{
		{"area", 0, 4},
		{"Point", 3, 6},
		{"norm", 6, 8},
	}
	for _, tc := range tests {
		loc := definition(lspURI, lspDoc, tc.word)
		if loc == nil {
			t.Errorf("definition(%q) = nil", tc.word)
			continue
		}
		if loc.Range.Start.Line != tc.line || loc.Range.Start.Character != tc.char {
			t.Errorf("definition(%q) at %d:%d, want %d:%d", tc.word,
				loc.Range.Start.Line, loc.Range.Start.Character, tc.line, tc.char)
		}
		if loc.URI != lspURI {
			t.Errorf("definition(%q) URI = %q", tc.word, loc.URI)
		}
	}
	if loc := definition(lspURI, lspDoc, "missing"); loc != nil {
		t.Errorf("definition of unknown name = %v", loc)
	}
}
