package verify

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
)

type symbolKind string

const (
	symbolFunc  symbolKind = "function"
	symbolType  symbolKind = "type"
	symbolVar   symbolKind = "variable"
	symbolConst symbolKind = "constant"
)

// exportTable maps exported names to what they declare. Go methods are
// keyed as "Type.Method".
type exportTable struct {
	symbols map[string]symbolKind
}

func newExportTable() *exportTable {
	return &exportTable{symbols: make(map[string]symbolKind)}
}

func (t *exportTable) add(name string, kind symbolKind) {
	// a function declaration wins over a same-named re-export
	if prev, ok := t.symbols[name]; ok && prev == symbolFunc {
		return
	}
	t.symbols[name] = kind
}

func (t *exportTable) lookup(name string) (symbolKind, bool) {
	k, ok := t.symbols[name]
	return k, ok
}

// parseExports builds the export table for a source file, picking the
// parser by extension.
func parseExports(path string, src []byte) (*exportTable, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return goExports(path, src)
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts", ".cts":
		return jsExports(src), nil
	case ".py", ".pyi":
		return pyExports(src), nil
	default:
		return nil, fmt.Errorf("cannot inspect symbols of %s files", filepath.Ext(path))
	}
}

func goExports(path string, src []byte) (*exportTable, error) {
	file, err := parser.ParseFile(token.NewFileSet(), path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	t := newExportTable()
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if !ast.IsExported(d.Name.Name) {
				continue
			}
			if d.Recv == nil || len(d.Recv.List) == 0 {
				t.add(d.Name.Name, symbolFunc)
				continue
			}
			if recv := receiverName(d.Recv.List[0].Type); ast.IsExported(recv) {
				t.add(recv+"."+d.Name.Name, symbolFunc)
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if ast.IsExported(s.Name.Name) {
						t.add(s.Name.Name, symbolType)
					}
				case *ast.ValueSpec:
					kind := symbolVar
					if d.Tok == token.CONST {
						kind = symbolConst
					}
					for _, n := range s.Names {
						if ast.IsExported(n.Name) {
							t.add(n.Name, kind)
						}
					}
				}
			}
		}
	}
	return t, nil
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.IndexExpr:
		return receiverName(e.X)
	case *ast.IndexListExpr:
		return receiverName(e.X)
	case *ast.Ident:
		return e.Name
	default:
		return ""
	}
}

//nolint:gochecknoglobals // compiled once
var (
	jsFunction  = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+(?:default[ \t]+)?(?:async[ \t]+)?function[ \t]*\*?[ \t]*([A-Za-z_$][\w$]*)`)
	jsClass     = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+(?:default[ \t]+)?(?:abstract[ \t]+)?class[ \t]+([A-Za-z_$][\w$]*)`)
	jsTypeDecl  = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+(?:declare[ \t]+)?(?:interface|type|enum|const[ \t]+enum)[ \t]+([A-Za-z_$][\w$]*)`)
	jsBinding   = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+(?:declare[ \t]+)?(?:const|let|var)[ \t]+([A-Za-z_$][\w$]*)[^=\n]*=[ \t]*(async[ \t]+)?(function\b|\([^)]*\)[^=\n]*=>|[A-Za-z_$][\w$]*[ \t]*=>)?`)
	jsList      = regexp.MustCompile(`export[ \t]*\{([^}]*)\}`)
	jsLocalFunc = regexp.MustCompile(`(?m)^[ \t]*(?:async[ \t]+)?function[ \t]*\*?[ \t]*([A-Za-z_$][\w$]*)`)

	pyDef    = regexp.MustCompile(`(?m)^(?:async[ \t]+)?def[ \t]+([A-Za-z_]\w*)`)
	pyClass  = regexp.MustCompile(`(?m)^class[ \t]+([A-Za-z_]\w*)`)
	pyAssign = regexp.MustCompile(`(?m)^([A-Za-z_]\w*)[ \t]*(?::[^=\n]+)?=[^=]`)
)

// jsExports scans JavaScript and TypeScript after blanking comments and
// string literals.
func jsExports(src []byte) *exportTable {
	code := stripJS(src)
	t := newExportTable()

	for _, m := range jsFunction.FindAllSubmatch(code, -1) {
		t.add(string(m[1]), symbolFunc)
	}
	for _, m := range jsClass.FindAllSubmatch(code, -1) {
		t.add(string(m[1]), symbolType)
	}
	for _, m := range jsTypeDecl.FindAllSubmatch(code, -1) {
		t.add(string(m[1]), symbolType)
	}
	for _, m := range jsBinding.FindAllSubmatch(code, -1) {
		if len(m[3]) > 0 {
			t.add(string(m[1]), symbolFunc)
		} else {
			t.add(string(m[1]), symbolVar)
		}
	}

	local := make(map[string]bool)
	for _, m := range jsLocalFunc.FindAllSubmatch(code, -1) {
		local[string(m[1])] = true
	}
	for _, m := range jsList.FindAllSubmatch(code, -1) {
		for _, item := range strings.Split(string(m[1]), ",") {
			fields := strings.Fields(item)
			if len(fields) == 0 {
				continue
			}
			name, exported := fields[0], fields[len(fields)-1]
			if fields[0] == "type" && len(fields) > 1 {
				name = fields[1]
			}
			if local[name] {
				t.add(exported, symbolFunc)
			} else {
				t.add(exported, symbolVar)
			}
		}
	}
	return t
}

// pyExports records module-level definitions whose names do not start
// with an underscore.
func pyExports(src []byte) *exportTable {
	code := stripPython(src)
	t := newExportTable()
	for _, m := range pyDef.FindAllSubmatch(code, -1) {
		if name := string(m[1]); !strings.HasPrefix(name, "_") {
			t.add(name, symbolFunc)
		}
	}
	for _, m := range pyClass.FindAllSubmatch(code, -1) {
		if name := string(m[1]); !strings.HasPrefix(name, "_") {
			t.add(name, symbolType)
		}
	}
	for _, m := range pyAssign.FindAllSubmatch(code, -1) {
		if name := string(m[1]); !strings.HasPrefix(name, "_") {
			t.add(name, symbolVar)
		}
	}
	return t
}
