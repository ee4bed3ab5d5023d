package guards

import (
	"go/ast"
	"go/token"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

var snakeCase = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var slogMethods = map[string]bool{
	"Debug": true,
	"Info":  true,
	"Warn":  true,
	"Error": true,
	"With":  true,
}

// TestSlogKeysAreSnakeCase checks the literal attribute keys of every logger call.
func TestSlogKeysAreSnakeCase(t *testing.T) {
	var violations []string
	for _, f := range parseSources(t, "internal", "cmd") {
		ast.Inspect(f.node, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isLoggerCall(call) {
				return true
			}
			for _, key := range slogKeys(call) {
				if !snakeCase.MatchString(key) {
					pos := f.fset.Position(call.Pos())
					violations = append(violations, f.rel+":"+strconv.Itoa(pos.Line)+": slog key "+strconv.Quote(key)+" is not snake_case")
				}
			}
			return true
		})
	}
	if len(violations) > 0 {
		t.Errorf("found %d slog keys that are not snake_case:\n%s", len(violations), strings.Join(violations, "\n"))
	}
}

// isLoggerCall matches Debug/Info/Warn/Error/With on something named like a logger.
func isLoggerCall(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || !slogMethods[sel.Sel.Name] {
		return false
	}
	switch x := sel.X.(type) {
	case *ast.Ident:
		return strings.Contains(strings.ToLower(x.Name), "log")
	case *ast.SelectorExpr:
		return strings.Contains(strings.ToLower(x.Sel.Name), "log")
	case *ast.CallExpr:
		if inner, ok := x.Fun.(*ast.SelectorExpr); ok {
			return inner.Sel.Name == "GetLogger" || inner.Sel.Name == "LoggerFromContext"
		}
	}
	return false
}

// slogKeys returns the string literal keys of logger.Info("msg", k, v, ...).
// With has no message argument.
func slogKeys(call *ast.CallExpr) []string {
	start := 1
	if call.Fun.(*ast.SelectorExpr).Sel.Name == "With" {
		start = 0
	}
	var keys []string
	for i := start; i < len(call.Args); i += 2 {
		lit, ok := call.Args[i].(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			continue
		}
		if key, err := strconv.Unquote(lit.Value); err == nil && key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
