package archcheck

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

type sourceFile struct {
	rel  string // slash-separated path relative to root
	file *ast.File
}

type sourceSet struct {
	fset  *token.FileSet
	files []sourceFile
}

// loadSources parses every non-test Go file under root's internal/ and
// modules/ trees. Directories starting with . or _ are skipped, so example
// and vendor trees never leak into the report.
func loadSources(root string) (*sourceSet, error) {
	set := &sourceSet{fset: token.NewFileSet()}

	for _, scanRoot := range []string{"internal", "modules", "cmd"} {
		start := filepath.Join(root, scanRoot)
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				base := filepath.Base(path)
				if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") || base == "vendor" || base == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			parsed, err := parser.ParseFile(set.fset, path, nil, 0)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			set.files = append(set.files, sourceFile{rel: filepath.ToSlash(rel), file: parsed})
			return nil
		})
		if err != nil {
			if _, ok := err.(*fs.PathError); ok {
				continue
			}
			return nil, err
		}
	}

	sort.Slice(set.files, func(i, j int) bool { return set.files[i].rel < set.files[j].rel })
	return set, nil
}

// packageFiles returns the files directly inside the given package directory.
func (s *sourceSet) packageFiles(pkgDir string) []sourceFile {
	prefix := strings.TrimSuffix(pkgDir, "/") + "/"
	var out []sourceFile
	for _, f := range s.files {
		if strings.HasPrefix(f.rel, prefix) && !strings.Contains(strings.TrimPrefix(f.rel, prefix), "/") {
			out = append(out, f)
		}
	}
	return out
}

// funcDecls indexes top-level function declarations by name across files.
func funcDecls(files []sourceFile) map[string]*ast.FuncDecl {
	out := map[string]*ast.FuncDecl{}
	for _, f := range files {
		for _, decl := range f.file.Decls {
			if fn, ok := decl.(*ast.FuncDecl); ok {
				out[fn.Name.Name] = fn
			}
		}
	}
	return out
}

func calleeName(call *ast.CallExpr) string {
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		return fun.Name
	case *ast.SelectorExpr:
		return fun.Sel.Name
	default:
		return ""
	}
}
