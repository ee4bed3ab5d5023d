// Package guards holds repository-wide source checks. It has no production code.
package guards

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const modulePath = "github.com/binomepay/binomepay-go"

// sourceFile is a parsed non-test Go file.
type sourceFile struct {
	rel  string
	fset *token.FileSet
	node *ast.File
}

// findRepoRoot walks up from the working directory to the directory holding go.mod.
func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find go.mod in any parent directory")
		}
		dir = parent
	}
}

// parseSources parses every non-test Go file under the given root-relative dirs.
func parseSources(t *testing.T, dirs ...string) []sourceFile {
	t.Helper()
	root := findRepoRoot(t)
	var out []sourceFile
	for _, dir := range dirs {
		base := filepath.Join(root, dir)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			fset := token.NewFileSet()
			node, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
			if err != nil {
				t.Errorf("parse %s: %v", path, err)
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			out = append(out, sourceFile{rel: filepath.ToSlash(rel), fset: fset, node: node})
			return nil
		})
		if err != nil {
			t.Fatalf("walk %s: %v", base, err)
		}
	}
	return out
}

// imports returns the unquoted import paths of f.
func (f sourceFile) imports() []string {
	out := make([]string, 0, len(f.node.Imports))
	for _, spec := range f.node.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err == nil {
			out = append(out, p)
		}
	}
	return out
}

// internalImport strips the module prefix, returning "" for outside imports.
func internalImport(path string) string {
	if !strings.HasPrefix(path, modulePath+"/") {
		return ""
	}
	return strings.TrimPrefix(path, modulePath+"/")
}
