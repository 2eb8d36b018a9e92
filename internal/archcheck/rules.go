package archcheck

import (
	"fmt"
	"go/ast"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

const (
	ruleGuardMountSingle = "guard-mount-single"
	ruleGuardStageOrder  = "guard-stage-order"
	rulePreGuardMount    = "pre-guard-mount"
	ruleWriteScopeGuard  = "write-scope-guard"
	ruleRouteWrapper     = "route-wrapper"
)

// Run parses the repository under root and applies every structural rule.
// An empty slice means the tree is clean.
func Run(root string, cfg Config) ([]Violation, error) {
	srcs, err := loadSources(root)
	if err != nil {
		return nil, err
	}

	guardPkg := srcs.packageFiles(cfg.GuardMount.Package)

	var out []Violation
	out = append(out, checkGuardMountSingle(guardPkg, cfg)...)
	out = append(out, checkGuardStageOrder(guardPkg, cfg)...)
	out = append(out, checkPreGuardMount(guardPkg, cfg)...)
	out = append(out, checkWriteScopeGuard(srcs.files, cfg)...)
	out = append(out, checkRouteWrapper(guardPkg, cfg)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Detail < out[j].Detail
	})
	return out, nil
}

// checkGuardMountSingle requires exactly one call site of the guard mount
// function. Zero means requests can reach handlers unguarded; more than one
// means a second, possibly divergent, chain exists.
func checkGuardMountSingle(files []sourceFile, cfg Config) []Violation {
	type site struct {
		file string
	}
	var sites []site
	for _, f := range files {
		ast.Inspect(f.file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if ok && calleeName(call) == cfg.GuardMount.Func {
				sites = append(sites, site{file: f.rel})
			}
			return true
		})
	}

	switch {
	case len(sites) == 0:
		return []Violation{{
			File:   cfg.GuardMount.Package,
			Rule:   ruleGuardMountSingle,
			Detail: fmt.Sprintf("%s is never mounted", cfg.GuardMount.Func),
		}}
	case len(sites) > 1:
		var out []Violation
		for _, s := range sites[1:] {
			out = append(out, Violation{
				File:   s.file,
				Rule:   ruleGuardMountSingle,
				Detail: fmt.Sprintf("%s mounted more than once", cfg.GuardMount.Func),
			})
		}
		return out
	}
	return nil
}

// checkGuardStageOrder reads the stage names out of the chain variable's
// composite literal and compares them, in order, against the configured list.
func checkGuardStageOrder(files []sourceFile, cfg Config) []Violation {
	for _, f := range files {
		var got []string
		found := false
		ast.Inspect(f.file, func(n ast.Node) bool {
			spec, ok := n.(*ast.ValueSpec)
			if !ok {
				return true
			}
			for i, name := range spec.Names {
				if name.Name != cfg.GuardStages.ChainVar || i >= len(spec.Values) {
					continue
				}
				lit, ok := spec.Values[i].(*ast.CompositeLit)
				if !ok {
					continue
				}
				found = true
				got = stageNames(lit)
			}
			return true
		})
		if !found {
			continue
		}
		if !equalStrings(got, cfg.GuardStages.Stages) {
			return []Violation{{
				File: f.rel,
				Rule: ruleGuardStageOrder,
				Detail: fmt.Sprintf("%s stages are [%s], want [%s]",
					cfg.GuardStages.ChainVar, strings.Join(got, " "), strings.Join(cfg.GuardStages.Stages, " ")),
			}}
		}
		return nil
	}
	return []Violation{{
		File:   cfg.GuardMount.Package,
		Rule:   ruleGuardStageOrder,
		Detail: cfg.GuardStages.ChainVar + " not found",
	}}
}

func stageNames(chain *ast.CompositeLit) []string {
	var out []string
	for _, elt := range chain.Elts {
		stage, ok := elt.(*ast.CompositeLit)
		if !ok {
			continue
		}
		for _, field := range stage.Elts {
			kv, ok := field.(*ast.KeyValueExpr)
			if !ok {
				continue
			}
			key, ok := kv.Key.(*ast.Ident)
			if !ok || key.Name != "name" {
				continue
			}
			if lit, ok := kv.Value.(*ast.BasicLit); ok && lit.Kind == token.STRING {
				if s, err := strconv.Unquote(lit.Value); err == nil {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// checkPreGuardMount verifies that everything mounted on the http.ServeMux
// comes out of the guard mount function, so no handler sits in front of the
// guard chain. ServeMux registrations are recognized by their string pattern
// argument; the route table's Handle takes a route class first and is not
// affected.
func checkPreGuardMount(files []sourceFile, cfg Config) []Violation {
	var out []Violation
	for _, f := range files {
		guarded := map[string]bool{}
		ast.Inspect(f.file, func(n ast.Node) bool {
			assign, ok := n.(*ast.AssignStmt)
			if !ok {
				return true
			}
			for i, rhs := range assign.Rhs {
				call, ok := rhs.(*ast.CallExpr)
				if !ok || calleeName(call) != cfg.GuardMount.Func || i >= len(assign.Lhs) {
					continue
				}
				if ident, ok := assign.Lhs[i].(*ast.Ident); ok {
					guarded[ident.Name] = true
				}
			}
			return true
		})

		ast.Inspect(f.file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || len(call.Args) < 2 {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "Handle" {
				return true
			}
			pattern, ok := call.Args[0].(*ast.BasicLit)
			if !ok || pattern.Kind != token.STRING {
				return true
			}
			switch handler := call.Args[1].(type) {
			case *ast.Ident:
				if guarded[handler.Name] {
					return true
				}
			case *ast.CallExpr:
				if calleeName(handler) == cfg.GuardMount.Func {
					return true
				}
			}
			out = append(out, Violation{
				File:   f.rel,
				Rule:   rulePreGuardMount,
				Detail: fmt.Sprintf("handler mounted at %s without passing through %s", pattern.Value, cfg.GuardMount.Func),
			})
			return true
		})
	}
	return out
}

// checkWriteScopeGuard flags any function that issues SQL writes against a
// classified table without calling the write gate in the same function body.
func checkWriteScopeGuard(files []sourceFile, cfg Config) []Violation {
	exempt := map[string]bool{}
	for _, f := range cfg.WriteScope.ExemptFiles {
		exempt[f] = true
	}

	var out []Violation
	for _, f := range files {
		if exempt[f.rel] {
			continue
		}
		for _, decl := range f.file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			tables := writtenTables(fn.Body, cfg.WriteScope.Tables)
			if len(tables) == 0 {
				continue
			}
			if callsFunc(fn.Body, cfg.WriteScope.GuardFunc) {
				continue
			}
			for _, table := range tables {
				out = append(out, Violation{
					File:   f.rel,
					Rule:   ruleWriteScopeGuard,
					Detail: fmt.Sprintf("%s writes %s without calling %s", funcDisplayName(fn), table, cfg.WriteScope.GuardFunc),
				})
			}
		}
	}
	return out
}

// writtenTables scans string literals for INSERT or UPDATE statements against
// the classified tables. SQL in this codebase is written inline, so literal
// scanning is sufficient.
func writtenTables(body ast.Node, tables []string) []string {
	seen := map[string]bool{}
	ast.Inspect(body, func(n ast.Node) bool {
		lit, ok := n.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		raw, err := strconv.Unquote(lit.Value)
		if err != nil {
			return true
		}
		norm := strings.ToLower(strings.Join(strings.Fields(raw), " "))
		for _, table := range tables {
			if sqlWritesTable(norm, table) {
				seen[table] = true
			}
		}
		return true
	})
	var out []string
	for table := range seen {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

func sqlWritesTable(norm string, table string) bool {
	for _, prefix := range []string{"insert into ", "update "} {
		idx := strings.Index(norm, prefix+table)
		if idx < 0 {
			continue
		}
		rest := norm[idx+len(prefix)+len(table):]
		if rest == "" || rest[0] == ' ' || rest[0] == '(' {
			return true
		}
	}
	return false
}

func callsFunc(body ast.Node, name string) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok && calleeName(call) == name {
			found = true
		}
		return !found
	})
	return found
}

// checkRouteWrapper requires every mutating API route registration to reach
// the idempotent write call within a bounded number of same-package hops.
// Authn and ops routes carry no business writes and are skipped wholesale.
func checkRouteWrapper(files []sourceFile, cfg Config) []Violation {
	skip := map[string]bool{}
	for _, route := range cfg.RouteWrapper.SkipRoutes {
		skip[route] = true
	}
	decls := funcDecls(files)

	var out []Violation
	for _, f := range files {
		ast.Inspect(f.file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || len(call.Args) != 4 {
				return true
			}
			sel, ok := call.Fun.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "Handle" {
				return true
			}
			class, ok := call.Args[0].(*ast.SelectorExpr)
			if !ok || class.Sel.Name == "RouteClassAuthn" || class.Sel.Name == "RouteClassOps" {
				return true
			}
			method, ok := call.Args[1].(*ast.SelectorExpr)
			if !ok || method.Sel.Name != "MethodPost" {
				return true
			}
			pattern, ok := call.Args[2].(*ast.BasicLit)
			if !ok || pattern.Kind != token.STRING {
				return true
			}
			path, err := strconv.Unquote(pattern.Value)
			if err != nil || skip[path] {
				return true
			}
			if !reachesCall(call.Args[3], cfg.RouteWrapper.WriteCall, decls, cfg.RouteWrapper.MaxDepth) {
				out = append(out, Violation{
					File:   f.rel,
					Rule:   ruleRouteWrapper,
					Detail: fmt.Sprintf("POST %s never reaches %s", path, cfg.RouteWrapper.WriteCall),
				})
			}
			return true
		})
	}
	return out
}

// reachesCall walks same-package calls breadth-first from the handler
// expression, up to maxDepth function hops, looking for the write call.
func reachesCall(handler ast.Expr, writeCall string, decls map[string]*ast.FuncDecl, maxDepth int) bool {
	visited := map[string]bool{}
	var search func(node ast.Node, depth int) bool
	search = func(node ast.Node, depth int) bool {
		found := false
		var callees []string
		ast.Inspect(node, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return !found
			}
			name := calleeName(call)
			if name == writeCall {
				found = true
				return false
			}
			callees = append(callees, name)
			return true
		})
		if found {
			return true
		}
		if depth >= maxDepth {
			return false
		}
		for _, name := range callees {
			decl, ok := decls[name]
			if !ok || visited[name] || decl.Body == nil {
				continue
			}
			visited[name] = true
			if search(decl.Body, depth+1) {
				return true
			}
		}
		return false
	}
	return search(handler, 0)
}

func funcDisplayName(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return fn.Name.Name
	}
	recv := fn.Recv.List[0].Type
	for {
		switch t := recv.(type) {
		case *ast.StarExpr:
			recv = t.X
			continue
		case *ast.IndexExpr:
			recv = t.X
			continue
		case *ast.Ident:
			return "(" + t.Name + ")." + fn.Name.Name
		default:
			return fn.Name.Name
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
