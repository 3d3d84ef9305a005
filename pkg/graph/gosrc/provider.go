// Package gosrc is the built-in code graph provider for Go sources. It
// works from go/parser alone, so the analyzed tree does not need to
// compile; call edges are resolved by name and are approximate.
package gosrc

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph"
)

// Directories never worth analyzing.
var skippedDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"vendor":       {},
	"node_modules": {},
	"testdata":     {},
}

// Provider implements graph.Provider for Go files.
type Provider struct {
	extensions map[string]struct{}
	logger     *slog.Logger
}

// New builds a provider restricted to the given extensions; empty defaults
// to .go.
func New(extensions []string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	if len(exts) == 0 {
		exts[".go"] = struct{}{}
	}
	return &Provider{
		extensions: exts,
		logger:     logger.With("component", "graph"),
	}
}

// calledName is one call site inside a function body, before resolution.
type calledName struct {
	name     string
	selector bool   // x.Name() form
	pkg      string // leading ident of the selector, may be a package name
}

func (p *Provider) ParseDirectory(ctx context.Context, root string) (*graph.Graph, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fault.IO(err, false, "cannot read analysis root %s", root)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.KindBadRequest, "analysis root %s is not a directory", root)
	}

	g := graph.New(root)
	calls := make(map[string][]calledName)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if _, skip := skippedDirs[name]; skip || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := p.extensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		mod, moduleCalls, err := p.parseFile(path, rel)
		if err != nil {
			// One broken file must not abort the analysis.
			p.logger.Warn("Skipping unparsable source file", "path", rel, "error", err)
			return nil
		}
		g.AddModule(mod)
		for qual, names := range moduleCalls {
			calls[qual] = names
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fault.IO(err, false, "walking source tree %s", root)
	}

	p.resolveCalls(g, calls)

	p.logger.Info("Parsed source tree",
		"root", root,
		"modules", g.ModuleCount(),
		"functions", g.FunctionCount())
	return g, nil
}

func (p *Provider) parseFile(path, rel string) (*graph.Module, map[string][]calledName, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, nil, err
	}

	mod := &graph.Module{Path: rel, Package: file.Name.Name}
	for _, imp := range file.Imports {
		mod.Imports = append(mod.Imports, strings.Trim(imp.Path.Value, `"`))
	}

	type typeDecl struct {
		startLine int
		endLine   int
		doc       string
	}
	typeDecls := make(map[string]typeDecl)
	classes := make(map[string]*graph.Class)
	var classOrder []string
	calls := make(map[string][]calledName)

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				td := typeDecl{
					startLine: fset.Position(ts.Pos()).Line,
					endLine:   fset.Position(ts.End()).Line,
				}
				if d.Doc != nil {
					td.doc = strings.TrimSpace(d.Doc.Text())
				}
				typeDecls[ts.Name.Name] = td
			}
		case *ast.FuncDecl:
			fn := buildFunction(fset, src, rel, d)
			if d.Body != nil {
				calls[fn.QualifiedName()] = collectCalls(d.Body)
			}
			if fn.Receiver == "" {
				mod.Functions = append(mod.Functions, fn)
				continue
			}
			cls, ok := classes[fn.Receiver]
			if !ok {
				cls = &graph.Class{Name: fn.Receiver, FilePath: rel, StartLine: fn.StartLine}
				classes[fn.Receiver] = cls
				classOrder = append(classOrder, fn.Receiver)
			}
			cls.Methods = append(cls.Methods, fn)
			if fn.EndLine > cls.EndLine {
				cls.EndLine = fn.EndLine
			}
		}
	}

	for _, name := range classOrder {
		cls := classes[name]
		if td, ok := typeDecls[name]; ok {
			cls.StartLine = td.startLine
			cls.Doc = td.doc
			if td.endLine > cls.EndLine {
				cls.EndLine = td.endLine
			}
		}
		mod.Classes = append(mod.Classes, cls)
	}
	return mod, calls, nil
}

func buildFunction(fset *token.FileSet, src []byte, rel string, d *ast.FuncDecl) *graph.Function {
	start := fset.Position(d.Pos())
	end := fset.Position(d.End())
	sigEnd := end.Offset
	if d.Body != nil {
		sigEnd = fset.Position(d.Body.Pos()).Offset
	}

	fn := &graph.Function{
		Name:      d.Name.Name,
		Receiver:  receiverName(d.Recv),
		FilePath:  rel,
		StartLine: start.Line,
		EndLine:   end.Line,
		Signature: strings.TrimSpace(string(src[start.Offset:sigEnd])),
		Source:    string(src[start.Offset:end.Offset]),
		Exported:  ast.IsExported(d.Name.Name),
	}
	if d.Doc != nil {
		fn.Doc = strings.TrimSpace(d.Doc.Text())
	}
	fn.Qualifier = fn.Name
	if fn.Receiver != "" {
		fn.Qualifier = fn.Receiver + "." + fn.Name
	}
	return fn
}

func receiverName(recv *ast.FieldList) string {
	if recv == nil || len(recv.List) == 0 {
		return ""
	}
	return baseTypeName(recv.List[0].Type)
}

func baseTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return baseTypeName(t.X)
	case *ast.IndexExpr:
		return baseTypeName(t.X)
	case *ast.IndexListExpr:
		return baseTypeName(t.X)
	default:
		return ""
	}
}

func collectCalls(body *ast.BlockStmt) []calledName {
	var out []calledName
	seen := make(map[calledName]struct{})
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		var cn calledName
		switch fun := call.Fun.(type) {
		case *ast.Ident:
			cn = calledName{name: fun.Name}
		case *ast.SelectorExpr:
			cn = calledName{name: fun.Sel.Name, selector: true}
			if ident, ok := fun.X.(*ast.Ident); ok {
				cn.pkg = ident.Name
			}
		default:
			return true
		}
		if _, dup := seen[cn]; !dup {
			seen[cn] = struct{}{}
			out = append(out, cn)
		}
		return true
	})
	return out
}

// resolveCalls links call sites to graph functions by name. A plain call
// resolves to a standalone function in the same file, else to a unique
// graph-wide match. A selector call resolves through the package name when
// the leading ident names one, else to a method: same file first, then a
// unique graph-wide match. Ambiguous names produce no edge.
func (p *Provider) resolveCalls(g *graph.Graph, calls map[string][]calledName) {
	standalone := make(map[string][]*graph.Function)
	methods := make(map[string][]*graph.Function)
	pkgFuncs := make(map[string]map[string]*graph.Function)

	for _, m := range g.Modules() {
		for _, fn := range m.Functions {
			standalone[fn.Name] = append(standalone[fn.Name], fn)
			byName := pkgFuncs[m.Package]
			if byName == nil {
				byName = make(map[string]*graph.Function)
				pkgFuncs[m.Package] = byName
			}
			if _, dup := byName[fn.Name]; !dup {
				byName[fn.Name] = fn
			}
		}
		for _, c := range m.Classes {
			for _, fn := range c.Methods {
				methods[fn.Name] = append(methods[fn.Name], fn)
			}
		}
	}

	for callerQual, names := range calls {
		caller, ok := g.Function(callerQual)
		if !ok {
			continue
		}
		for _, cn := range names {
			if target := resolveTarget(caller, cn, standalone, methods, pkgFuncs); target != nil {
				g.AddCall(callerQual, target.QualifiedName())
			}
		}
	}
}

func resolveTarget(
	caller *graph.Function,
	cn calledName,
	standalone, methods map[string][]*graph.Function,
	pkgFuncs map[string]map[string]*graph.Function,
) *graph.Function {
	if cn.selector {
		if byName, ok := pkgFuncs[cn.pkg]; ok {
			if fn, ok := byName[cn.name]; ok {
				return fn
			}
		}
		cands := methods[cn.name]
		for _, fn := range cands {
			if fn.FilePath == caller.FilePath {
				return fn
			}
		}
		if len(cands) == 1 {
			return cands[0]
		}
		return nil
	}

	cands := standalone[cn.name]
	for _, fn := range cands {
		if fn.FilePath == caller.FilePath {
			return fn
		}
	}
	if len(cands) == 1 {
		return cands[0]
	}
	return nil
}
