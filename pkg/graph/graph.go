// Package graph defines the code graph the orchestrator analyzes: modules
// (source files), classes (types with methods), functions, and the call and
// import edges between them. A Provider builds the graph for one language
// family; the orchestrator never looks past these types.
package graph

import (
	"context"
	"slices"
	"sort"
)

// Function is one analyzable unit: a standalone function or a method.
type Function struct {
	Name      string
	Qualifier string // "Class.Name" for methods, "Name" otherwise
	FilePath  string // module path, relative to the analysis root
	Receiver  string // class name when a method
	StartLine int
	EndLine   int
	Signature string
	Doc       string
	Source    string
	Exported  bool
}

// QualifiedName identifies the function uniquely within one graph.
func (f *Function) QualifiedName() string {
	return f.FilePath + ":" + f.Qualifier
}

// Class is a type with at least one method.
type Class struct {
	Name      string
	FilePath  string
	StartLine int
	EndLine   int
	Doc       string
	Methods   []*Function
}

// Module is one source file.
type Module struct {
	Path      string // relative to the analysis root, forward slashes
	Package   string
	Imports   []string
	Classes   []*Class
	Functions []*Function // standalone functions only
}

// AllFunctions returns standalone functions followed by every class method.
func (m *Module) AllFunctions() []*Function {
	out := make([]*Function, 0, len(m.Functions))
	out = append(out, m.Functions...)
	for _, c := range m.Classes {
		out = append(out, c.Methods...)
	}
	return out
}

// Graph is the parsed source tree. Modules stay sorted by path so traversal
// order is deterministic run to run.
type Graph struct {
	root    string
	modules []*Module
	byQual  map[string]*Function
	callees map[string][]string
	callers map[string][]string
}

func New(root string) *Graph {
	return &Graph{
		root:    root,
		byQual:  make(map[string]*Function),
		callees: make(map[string][]string),
		callers: make(map[string][]string),
	}
}

// Root is the absolute analysis root the graph was built from.
func (g *Graph) Root() string { return g.root }

// AddModule registers a module and indexes its functions.
func (g *Graph) AddModule(m *Module) {
	g.modules = append(g.modules, m)
	sort.Slice(g.modules, func(i, j int) bool { return g.modules[i].Path < g.modules[j].Path })
	for _, fn := range m.AllFunctions() {
		g.byQual[fn.QualifiedName()] = fn
	}
}

// AddCall records a caller → callee edge. Endpoints must already be indexed;
// unknown names and self-edges are ignored, duplicates collapse.
func (g *Graph) AddCall(callerQual, calleeQual string) {
	if callerQual == calleeQual {
		return
	}
	if _, ok := g.byQual[callerQual]; !ok {
		return
	}
	if _, ok := g.byQual[calleeQual]; !ok {
		return
	}
	if !slices.Contains(g.callees[callerQual], calleeQual) {
		g.callees[callerQual] = append(g.callees[callerQual], calleeQual)
	}
	if !slices.Contains(g.callers[calleeQual], callerQual) {
		g.callers[calleeQual] = append(g.callers[calleeQual], callerQual)
	}
}

func (g *Graph) Modules() []*Module { return g.modules }

// Function looks up an indexed function by qualified name.
func (g *Graph) Function(qualifiedName string) (*Function, bool) {
	fn, ok := g.byQual[qualifiedName]
	return fn, ok
}

func (g *Graph) Callers(fn *Function) []*Function {
	return g.resolve(g.callers[fn.QualifiedName()])
}

func (g *Graph) Callees(fn *Function) []*Function {
	return g.resolve(g.callees[fn.QualifiedName()])
}

func (g *Graph) resolve(quals []string) []*Function {
	out := make([]*Function, 0, len(quals))
	for _, q := range quals {
		if fn, ok := g.byQual[q]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// ImportEdges maps every module path to its import list.
func (g *Graph) ImportEdges() map[string][]string {
	out := make(map[string][]string, len(g.modules))
	for _, m := range g.modules {
		out[m.Path] = append([]string(nil), m.Imports...)
	}
	return out
}

func (g *Graph) ModuleCount() int { return len(g.modules) }

func (g *Graph) FunctionCount() int {
	n := 0
	for _, m := range g.modules {
		n += len(m.Functions)
		for _, c := range m.Classes {
			n += len(c.Methods)
		}
	}
	return n
}

// Provider builds a Graph for a source tree. Implementations must be safe
// for concurrent use by independent analyses.
type Provider interface {
	ParseDirectory(ctx context.Context, path string) (*Graph, error)
}
