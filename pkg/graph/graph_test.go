package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModule() *Module {
	return &Module{
		Path:    "pkg/widget/widget.go",
		Package: "widget",
		Imports: []string{"fmt", "strings"},
		Functions: []*Function{
			{Name: "New", Qualifier: "New", FilePath: "pkg/widget/widget.go", StartLine: 10, EndLine: 14},
		},
		Classes: []*Class{{
			Name:     "Widget",
			FilePath: "pkg/widget/widget.go",
			Methods: []*Function{
				{Name: "Run", Qualifier: "Widget.Run", Receiver: "Widget", FilePath: "pkg/widget/widget.go", StartLine: 16, EndLine: 24},
				{Name: "stop", Qualifier: "Widget.stop", Receiver: "Widget", FilePath: "pkg/widget/widget.go", StartLine: 26, EndLine: 30},
			},
		}},
	}
}

func TestGraphIndexesFunctions(t *testing.T) {
	g := New("/src/project")
	g.AddModule(sampleModule())

	fn, ok := g.Function("pkg/widget/widget.go:Widget.Run")
	require.True(t, ok)
	assert.Equal(t, "Run", fn.Name)

	_, ok = g.Function("pkg/widget/widget.go:Missing")
	assert.False(t, ok)

	assert.Equal(t, 1, g.ModuleCount())
	assert.Equal(t, 3, g.FunctionCount())
	assert.Equal(t, "/src/project", g.Root())
}

func TestGraphModulesStaySorted(t *testing.T) {
	g := New("/src")
	g.AddModule(&Module{Path: "zz.go"})
	g.AddModule(&Module{Path: "aa.go"})
	g.AddModule(&Module{Path: "mm.go"})

	mods := g.Modules()
	require.Len(t, mods, 3)
	assert.Equal(t, "aa.go", mods[0].Path)
	assert.Equal(t, "mm.go", mods[1].Path)
	assert.Equal(t, "zz.go", mods[2].Path)
}

func TestGraphCallEdges(t *testing.T) {
	g := New("/src")
	g.AddModule(sampleModule())

	runQual := "pkg/widget/widget.go:Widget.Run"
	stopQual := "pkg/widget/widget.go:Widget.stop"

	g.AddCall(runQual, stopQual)
	g.AddCall(runQual, stopQual) // duplicate collapses
	g.AddCall(runQual, runQual)  // self edge ignored
	g.AddCall(runQual, "nowhere.go:Ghost")
	g.AddCall("nowhere.go:Ghost", stopQual)

	run, _ := g.Function(runQual)
	stop, _ := g.Function(stopQual)

	callees := g.Callees(run)
	require.Len(t, callees, 1)
	assert.Equal(t, "stop", callees[0].Name)

	callers := g.Callers(stop)
	require.Len(t, callers, 1)
	assert.Equal(t, "Run", callers[0].Name)

	assert.Empty(t, g.Callers(run))
	assert.Empty(t, g.Callees(stop))
}

func TestModuleAllFunctions(t *testing.T) {
	m := sampleModule()
	fns := m.AllFunctions()
	require.Len(t, fns, 3)
	assert.Equal(t, "New", fns[0].Name)
	assert.Equal(t, "Run", fns[1].Name)
	assert.Equal(t, "stop", fns[2].Name)
}

func TestImportEdgesAreCopies(t *testing.T) {
	g := New("/src")
	g.AddModule(sampleModule())

	edges := g.ImportEdges()
	require.Contains(t, edges, "pkg/widget/widget.go")
	edges["pkg/widget/widget.go"][0] = "mutated"

	fresh := g.ImportEdges()
	assert.Equal(t, "fmt", fresh["pkg/widget/widget.go"][0])
}
