package server

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/upy/compiler"
	"github.com/chazu/upy/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "upy-lsp"

// symbol is a definition found by compiling a document.
type symbol struct {
	name    string
	kind    protocol.CompletionItemKind
	detail  string
	members []string
}

// document is an open editor buffer and what its last compile produced.
type document struct {
	text    string
	symbols map[string]symbol
}

// LspServer bridges LSP editor features to a private Context via VMWorker.
type LspServer struct {
	worker *VMWorker

	mu   sync.Mutex
	docs map[string]*document // URI → document

	keywords []string
	builtins []string

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. The Context is used only to compile
// open documents and is owned by the server afterwards.
func NewLSP(c *vm.Context) *LspServer {
	c.UseCompiler(compiler.Compile)
	worker := NewVMWorker(c)
	s := &LspServer{
		worker:   worker,
		docs:     make(map[string]*document),
		keywords: compiler.Keywords(),
		version:  "0.1.0",
	}
	if names, err := worker.Do(func(c *vm.Context) any { return c.GlobalNames() }); err == nil {
		s.builtins = names.([]string)
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "upy LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	s.update(ctx, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.update(ctx, params.TextDocument.URI, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// update recompiles a document and publishes its diagnostics.
func (s *LspServer) update(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	doc, diagnostics := s.analyze(uri, text)

	s.mu.Lock()
	s.docs[string(uri)] = doc
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// analyze compiles text on the worker. A document that fails to compile
// keeps the symbols of its last good version.
func (s *LspServer) analyze(uri protocol.DocumentUri, text string) (*document, []protocol.Diagnostic) {
	s.mu.Lock()
	prev := s.docs[string(uri)]
	s.mu.Unlock()

	doc := &document{text: text}
	if prev != nil {
		doc.symbols = prev.symbols
	}

	result, err := s.worker.Do(func(c *vm.Context) any {
		defer c.Collect()
		mod, err := compiler.Compile(c, moduleName(uri), text)
		if err != nil {
			return err
		}
		return collectSymbols(c, mod)
	})
	if err != nil {
		return doc, nil
	}

	diagnostics := []protocol.Diagnostic{}
	switch r := result.(type) {
	case map[string]symbol:
		doc.symbols = r
	case error:
		diagnostics = append(diagnostics, diagnosticFor(r))
	}
	return doc, diagnostics
}

// diagnosticFor converts a compile error to a diagnostic. Positions in
// errors are 1-based; LSP positions are 0-based.
func diagnosticFor(err error) protocol.Diagnostic {
	var line, col protocol.UInteger
	msg := err.Error()
	var e *vm.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Line > 0 {
			line = protocol.UInteger(e.Line - 1)
		}
		if e.Column > 0 {
			col = protocol.UInteger(e.Column - 1)
		}
	}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	return protocol.Diagnostic{
		Range: protocol.Range{
			Start: protocol.Position{Line: line, Character: col},
			End:   protocol.Position{Line: line, Character: col + 1},
		},
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}
}

// collectSymbols lists the functions and classes a module defines. They
// are bound when the module is compiled, so nothing has to run.
// Must be called on the worker goroutine.
func collectSymbols(c *vm.Context, mod vm.Value) map[string]symbol {
	symbols := make(map[string]symbol)
	c.Members(mod, func(k, v vm.Value) bool {
		name, ok := c.StringOf(k)
		if !ok {
			return true
		}
		switch v.Type() {
		case vm.TypeFunction:
			symbols[name] = symbol{
				name:   name,
				kind:   protocol.CompletionItemKindFunction,
				detail: signature(c.CodeOf(v)),
			}
		case vm.TypeClass:
			sym := symbol{name: name, kind: protocol.CompletionItemKindClass, detail: "class " + name}
			c.Members(v, func(mk, mv vm.Value) bool {
				if m, ok := c.StringOf(mk); ok {
					sym.members = append(sym.members, m)
				}
				return true
			})
			sort.Strings(sym.members)
			symbols[name] = sym
		}
		return true
	})
	return symbols
}

func signature(code *vm.Code) string {
	if code == nil {
		return "def"
	}
	n := code.NParams
	if n > len(code.Locals) {
		n = len(code.Locals)
	}
	return fmt.Sprintf("def %s(%s)", code.Name, strings.Join(code.Locals[:n], ", "))
}

// moduleName derives a module name from a document URI.
func moduleName(uri protocol.DocumentUri) string {
	p := string(uri)
	if u, err := url.Parse(p); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// --- Language features ---

func (s *LspServer) document(uri protocol.DocumentUri) (*document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[string(uri)]
	return doc, ok
}

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	doc, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(doc.text, params.Position)
	if recv, member, ok := splitMember(prefix); ok {
		return s.completeMember(doc, recv, member), nil
	}
	if prefix == "" {
		return nil, nil
	}
	return s.complete(doc, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	doc, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(doc.text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(doc, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	doc, ok := s.document(uri)
	if !ok {
		return nil, nil
	}

	word := extractWord(doc.text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := definition(uri, doc.text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

func (s *LspServer) complete(doc *document, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	names := make([]string, 0, len(doc.symbols))
	for name := range doc.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sym := doc.symbols[name]
		add(sym.name, sym.kind, sym.detail)
	}
	for _, name := range s.builtins {
		add(name, protocol.CompletionItemKindFunction, "builtin")
	}
	for _, kw := range s.keywords {
		add(kw, protocol.CompletionItemKindKeyword, "keyword")
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) completeMember(doc *document, recv, prefix string) []protocol.CompletionItem {
	sym, ok := doc.symbols[recv]
	if !ok {
		return nil
	}
	var items []protocol.CompletionItem
	for _, m := range sym.members {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		kind := protocol.CompletionItemKindMethod
		detail := sym.name + "." + m
		label := m
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}
	return items
}

func (s *LspServer) hover(doc *document, word string) *protocol.Hover {
	var b strings.Builder
	if sym, ok := doc.symbols[word]; ok {
		fmt.Fprintf(&b, "```python\n%s\n```", sym.detail)
		if len(sym.members) > 0 {
			fmt.Fprintf(&b, "\n\nMembers: `%s`", strings.Join(sym.members, "`, `"))
		}
	} else if contains(s.builtins, word) {
		fmt.Fprintf(&b, "**%s**\n\nbuiltin", word)
	} else if contains(s.keywords, word) {
		fmt.Fprintf(&b, "**%s**\n\nkeyword", word)
	} else {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

var definitionPattern = regexp.MustCompile(`^(\s*)(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// definition finds the def or class statement that introduces word.
func definition(uri protocol.DocumentUri, text, word string) *protocol.Location {
	for i, line := range strings.Split(text, "\n") {
		m := definitionPattern.FindStringSubmatchIndex(line)
		if m == nil || line[m[4]:m[5]] != word {
			continue
		}
		return &protocol.Location{
			URI: uri,
			Range: protocol.Range{
				Start: protocol.Position{Line: protocol.UInteger(i), Character: protocol.UInteger(m[4])},
				End:   protocol.Position{Line: protocol.UInteger(i), Character: protocol.UInteger(m[5])},
			},
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Text extraction helpers ---

// extractPrefix returns the dotted name fragment before the cursor for
// completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the name
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if isNameChar(ch) || ch == '.' {
			start--
		} else {
			break
		}
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// splitMember splits "recv.member" at its last dot.
func splitMember(prefix string) (recv, member string, ok bool) {
	i := strings.LastIndexByte(prefix, '.')
	if i <= 0 {
		return "", "", false
	}
	recv = prefix[:i]
	if j := strings.LastIndexByte(recv, '.'); j >= 0 {
		recv = recv[j+1:]
	}
	return recv, prefix[i+1:], recv != ""
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Find start
	start := col
	for start > 0 && isNameChar(rune(line[start-1])) {
		start--
	}

	// Find end
	end := col
	for end < len(line) && isNameChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func isNameChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func boolPtr(b bool) *bool {
	return &b
}
