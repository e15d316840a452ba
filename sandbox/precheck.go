package sandbox

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// Builtins a Python script may not reference by name.
var pythonBannedNames = map[string]bool{
	"open":       true,
	"exec":       true,
	"eval":       true,
	"compile":    true,
	"globals":    true,
	"locals":     true,
	"vars":       true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"input":      true,
	"breakpoint": true,
	"exit":       true,
	"quit":       true,
	"help":       true,
	"memoryview": true,
}

// Public attributes a Python script may not read: module handles re-exported
// by allowed modules, and frame links that lead out of the script.
var pythonBannedAttributes = map[string]bool{
	"sys":        true,
	"os":         true,
	"io":         true,
	"codecs":     true,
	"builtins":   true,
	"modules":    true,
	"importlib":  true,
	"subprocess": true,
	"socket":     true,
	"gi_frame":   true,
	"cr_frame":   true,
	"ag_frame":   true,
	"tb_frame":   true,
	"f_back":     true,
	"f_globals":  true,
	"f_locals":   true,
	"f_builtins": true,
}

// Globals a JavaScript script may not reference by name.
var javascriptBannedNames = map[string]bool{
	"eval":        true,
	"Function":    true,
	"require":     true,
	"process":     true,
	"Proxy":       true,
	"Reflect":     true,
	"WebAssembly": true,
}

// Properties a JavaScript script may not read or write.
var javascriptBannedProps = map[string]bool{
	"constructor": true,
	"__proto__":   true,
}

type nodeCheck func(n *sitter.Node, src []byte, allowed map[string]bool) error

// Precheck statically inspects source before it is handed to a worker. It
// rejects scripts that do not parse, that import modules outside allowed, or
// that reach for introspection and file primitives. A rejection is always a
// *DeniedError.
func Precheck(ctx context.Context, language, source string, allowed []string) error {
	var (
		lang  *sitter.Language
		check nodeCheck
	)
	switch language {
	case LanguagePython:
		lang, check = python.GetLanguage(), checkPythonNode
	case LanguageJavaScript:
		lang, check = javascript.GetLanguage(), checkJavaScriptNode
	default:
		return &DeniedError{Kind: KindUnsupportedLanguage, Detail: "unsupported language: " + language}
	}

	src := []byte(source)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return &DeniedError{Kind: KindSyntax, Detail: fmt.Sprintf("syntax error: %v", err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		denied := &DeniedError{Kind: KindSyntax, Detail: "syntax error"}
		if bad := firstErrorNode(root); bad != nil {
			denied.Line = line(bad)
		}
		return denied
	}

	set := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		set[m] = true
	}
	return walk(root, func(n *sitter.Node) error { return check(n, src, set) })
}

func walk(n *sitter.Node, visit func(*sitter.Node) error) error {
	if err := visit(n); err != nil {
		return err
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		if err := walk(child, visit); err != nil {
			return err
		}
	}
	return nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.HasError() && !child.IsMissing() {
			continue
		}
		if bad := firstErrorNode(child); bad != nil {
			return bad
		}
	}
	return nil
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// sameNode compares nodes by span and type; tree-sitter hands out fresh
// *Node values on every accessor call.
func sameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil &&
		a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

// isField reports whether n is the named field of its parent.
func isField(n *sitter.Node, parentType, field string) bool {
	parent := n.Parent()
	if parent == nil || parent.Type() != parentType {
		return false
	}
	return sameNode(parent.ChildByFieldName(field), n)
}

func checkModule(name string, root string, allowed map[string]bool, n *sitter.Node) error {
	if allowed[root] || allowed[name] {
		return nil
	}
	return &DeniedError{
		Kind:   KindImport,
		Detail: fmt.Sprintf("import of '%s' is not allowed", root),
		Module: root,
		Line:   line(n),
	}
}

func checkPythonNode(n *sitter.Node, src []byte, allowed map[string]bool) error {
	switch n.Type() {
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			target := n.NamedChild(i)
			if target.Type() == "aliased_import" {
				target = target.ChildByFieldName("name")
			}
			if target == nil {
				continue
			}
			name := target.Content(src)
			if err := checkModule(name, pythonRoot(name), allowed, n); err != nil {
				return err
			}
		}
	case "import_from_statement":
		module := n.ChildByFieldName("module_name")
		if module == nil || module.Type() == "relative_import" {
			return &DeniedError{Kind: KindImport, Detail: "relative imports are not allowed", Line: line(n)}
		}
		name := module.Content(src)
		return checkModule(name, pythonRoot(name), allowed, n)
	case "identifier":
		if isField(n, "attribute", "attribute") || isField(n, "keyword_argument", "name") {
			return nil
		}
		name := n.Content(src)
		if pythonBannedNames[name] {
			return &DeniedError{Kind: KindBuiltin, Detail: fmt.Sprintf("use of '%s' is not allowed", name), Line: line(n)}
		}
		if strings.HasPrefix(name, "__") && name != "__name__" {
			return &DeniedError{Kind: KindAttribute, Detail: fmt.Sprintf("dunder name '%s' is not allowed", name), Line: line(n)}
		}
	case "attribute":
		attr := n.ChildByFieldName("attribute")
		if attr == nil {
			return nil
		}
		name := attr.Content(src)
		if strings.HasPrefix(name, "_") {
			return &DeniedError{
				Kind:   KindAttribute,
				Detail: fmt.Sprintf("access to private attribute '%s' is not allowed", name),
				Line:   line(attr),
			}
		}
		if pythonBannedAttributes[name] {
			return &DeniedError{
				Kind:   KindAttribute,
				Detail: fmt.Sprintf("access to attribute '%s' is not allowed", name),
				Line:   line(attr),
			}
		}
	}
	return nil
}

func pythonRoot(name string) string {
	root, _, _ := strings.Cut(strings.TrimSpace(name), ".")
	return root
}

func checkJavaScriptNode(n *sitter.Node, src []byte, allowed map[string]bool) error {
	switch n.Type() {
	case "import_statement":
		source := n.ChildByFieldName("source")
		if source == nil {
			return &DeniedError{Kind: KindImport, Detail: "import without a module is not allowed", Line: line(n)}
		}
		name := unquote(source.Content(src))
		return checkModule(name, javascriptRoot(name), allowed, n)
	case "call_expression":
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return nil
		}
		if fn.Type() == "import" {
			return &DeniedError{Kind: KindImport, Detail: "dynamic import is not allowed", Line: line(n)}
		}
		if fn.Type() != "identifier" || fn.Content(src) != "require" {
			return nil
		}
		args := n.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() != 1 || args.NamedChild(0).Type() != "string" {
			return &DeniedError{Kind: KindImport, Detail: "require needs a single string literal", Line: line(n)}
		}
		name := unquote(args.NamedChild(0).Content(src))
		return checkModule(name, javascriptRoot(name), allowed, n)
	case "identifier", "shorthand_property_identifier":
		name := n.Content(src)
		// require(...) calls are vetted as imports above.
		if name == "require" && isField(n, "call_expression", "function") {
			return nil
		}
		if javascriptBannedNames[name] {
			return &DeniedError{Kind: KindBuiltin, Detail: fmt.Sprintf("use of '%s' is not allowed", name), Line: line(n)}
		}
	case "member_expression":
		prop := n.ChildByFieldName("property")
		if prop != nil {
			return checkJavaScriptProp(prop.Content(src), prop)
		}
	case "subscript_expression":
		index := n.ChildByFieldName("index")
		if index != nil && index.Type() == "string" {
			return checkJavaScriptProp(unquote(index.Content(src)), index)
		}
	}
	return nil
}

func checkJavaScriptProp(name string, n *sitter.Node) error {
	if javascriptBannedProps[name] || strings.HasPrefix(name, "__") {
		return &DeniedError{
			Kind:   KindAttribute,
			Detail: fmt.Sprintf("access to property '%s' is not allowed", name),
			Line:   line(n),
		}
	}
	return nil
}

func javascriptRoot(name string) string {
	parts := strings.Split(name, "/")
	if strings.HasPrefix(name, "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func unquote(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}
