package gosrc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/graph"
)

func testProvider() *Provider {
	return New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

const mainSource = `package main

import "example.com/demo/util"

// Engine drives the demo.
type Engine struct {
	name string
}

// Start spins the engine.
func (e *Engine) Start() error {
	e.reset()
	return util.Validate(e.name)
}

func (e *Engine) reset() {
	helper()
}

// helper is a standalone assistant.
func helper() {}

func main() {
	e := &Engine{}
	_ = e.Start()
}
`

const utilSource = `package util

// Validate checks a name.
func Validate(name string) error {
	if name == "" {
		return nil
	}
	return nil
}
`

func parseFixture(t *testing.T) *graph.Graph {
	t.Helper()
	root := writeTree(t, map[string]string{
		"main.go":      mainSource,
		"util/util.go": utilSource,
	})
	g, err := testProvider().ParseDirectory(context.Background(), root)
	require.NoError(t, err)
	return g
}

func TestParseDirectoryBuildsModules(t *testing.T) {
	g := parseFixture(t)

	mods := g.Modules()
	require.Len(t, mods, 2)
	assert.Equal(t, "main.go", mods[0].Path)
	assert.Equal(t, "util/util.go", mods[1].Path)

	main := mods[0]
	assert.Equal(t, "main", main.Package)
	assert.Equal(t, []string{"example.com/demo/util"}, main.Imports)

	require.Len(t, main.Classes, 1)
	engine := main.Classes[0]
	assert.Equal(t, "Engine", engine.Name)
	assert.Equal(t, "Engine drives the demo.", engine.Doc)
	require.Len(t, engine.Methods, 2)
	assert.Equal(t, "Start", engine.Methods[0].Name)
	assert.Equal(t, "reset", engine.Methods[1].Name)

	require.Len(t, main.Functions, 2)
	assert.Equal(t, "helper", main.Functions[0].Name)
	assert.Equal(t, "main", main.Functions[1].Name)

	assert.Equal(t, 5, g.FunctionCount())
}

func TestParseDirectoryFunctionDetails(t *testing.T) {
	g := parseFixture(t)

	start, ok := g.Function("main.go:Engine.Start")
	require.True(t, ok)
	assert.Equal(t, "Engine", start.Receiver)
	assert.Equal(t, "Engine.Start", start.Qualifier)
	assert.Equal(t, "func (e *Engine) Start() error", start.Signature)
	assert.Equal(t, "Start spins the engine.", start.Doc)
	assert.Contains(t, start.Source, "e.reset()")
	assert.True(t, start.Exported)
	assert.Greater(t, start.StartLine, 0)
	assert.GreaterOrEqual(t, start.EndLine, start.StartLine)

	helper, ok := g.Function("main.go:helper")
	require.True(t, ok)
	assert.False(t, helper.Exported)
	assert.Equal(t, "helper is a standalone assistant.", helper.Doc)

	validate, ok := g.Function("util/util.go:Validate")
	require.True(t, ok)
	assert.True(t, validate.Exported)
}

func TestParseDirectoryResolvesCalls(t *testing.T) {
	g := parseFixture(t)

	start, _ := g.Function("main.go:Engine.Start")
	reset, _ := g.Function("main.go:Engine.reset")
	helper, _ := g.Function("main.go:helper")
	validate, _ := g.Function("util/util.go:Validate")

	calleeNames := func(fn *graph.Function) []string {
		var names []string
		for _, c := range g.Callees(fn) {
			names = append(names, c.QualifiedName())
		}
		return names
	}

	// Method call and cross-package call out of Start.
	assert.ElementsMatch(t, []string{
		"main.go:Engine.reset",
		"util/util.go:Validate",
	}, calleeNames(start))

	// Plain same-file call out of reset.
	assert.ElementsMatch(t, []string{"main.go:helper"}, calleeNames(reset))

	callers := g.Callers(validate)
	require.Len(t, callers, 1)
	assert.Equal(t, "Start", callers[0].Name)

	require.Len(t, g.Callers(helper), 1)
	assert.Equal(t, "reset", g.Callers(helper)[0].Name)
}

func TestParseDirectorySkipsIrrelevantFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"keep.go":           "package keep\n\nfunc Keep() {}\n",
		"README.md":         "# not source\n",
		"vendor/v.go":       "package v\n\nfunc Vendored() {}\n",
		"testdata/t.go":     "package t\n\nfunc TestData() {}\n",
		"_private/p.go":     "package p\n\nfunc Private() {}\n",
		".hidden/h.go":      "package h\n\nfunc Hidden() {}\n",
		"sub/included.go":   "package sub\n\nfunc Included() {}\n",
		"sub/notgo.txt":     "plain text\n",
		"sub/broken.go":     "package sub\n\nfunc mismatched( {\n",
		"node_modules/x.go": "package x\n\nfunc Node() {}\n",
	})

	g, err := testProvider().ParseDirectory(context.Background(), root)
	require.NoError(t, err)

	var paths []string
	for _, m := range g.Modules() {
		paths = append(paths, m.Path)
	}
	assert.ElementsMatch(t, []string{"keep.go", "sub/included.go"}, paths)
}

func TestParseDirectoryEmptyTree(t *testing.T) {
	g, err := testProvider().ParseDirectory(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, g.ModuleCount())
	assert.Zero(t, g.FunctionCount())
}

func TestParseDirectoryRejectsNonDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{"file.go": "package f\n"})

	_, err := testProvider().ParseDirectory(context.Background(), filepath.Join(root, "file.go"))
	require.Error(t, err)
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))

	_, err = testProvider().ParseDirectory(context.Background(), filepath.Join(root, "missing"))
	require.Error(t, err)
	assert.Equal(t, fault.KindIoError, fault.KindOf(err))
}

func TestParseDirectoryHonorsCancellation(t *testing.T) {
	root := writeTree(t, map[string]string{"a.go": "package a\n\nfunc A() {}\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testProvider().ParseDirectory(ctx, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
