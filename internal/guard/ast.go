package guard

import (
	"reflect"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// sensitiveModules maps module names to the capability importing them needs.
var sensitiveModules = map[string]Capability{
	"fs":             CapFileSystem,
	"fs/promises":    CapFileSystem,
	"child_process":  CapFileSystem,
	"cluster":        CapFileSystem,
	"worker_threads": CapFileSystem,
	"net":            CapNetwork,
	"http":           CapNetwork,
	"https":          CapNetwork,
	"http2":          CapNetwork,
	"dgram":          CapNetwork,
	"tls":            CapNetwork,
	"dns":            CapNetwork,
	"os":             CapIntrospection,
	"v8":             CapIntrospection,
	"inspector":      CapIntrospection,
	"vm":             CapDynamicExec,
	"module":         CapDynamicExec,
}

// sensitiveMembers maps member-access chains to the capability reading them
// needs. Matching is by prefix so process.env.SECRET is caught.
var sensitiveMembers = map[string]Capability{
	"process.env":        CapIntrospection,
	"process.binding":    CapIntrospection,
	"process.mainModule": CapFileSystem,
	"globalThis.process": CapIntrospection,
}

// checkSyntaxTree runs the structural tier over parsed JavaScript. The second
// return value is false when the source does not parse, in which case the
// caller keeps the regex-only verdict.
func checkSyntaxTree(code string, perms Permissions) (Verdict, bool) {
	prog, err := parser.ParseFile(nil, "", code, 0)
	if err != nil {
		return Verdict{}, false
	}

	v := &treeChecker{perms: perms}
	walkTree(reflect.ValueOf(prog), v.visit)
	if v.verdict != nil {
		return *v.verdict, true
	}
	return safe(), true
}

type treeChecker struct {
	perms   Permissions
	verdict *Verdict
}

func (t *treeChecker) fail(format string, args ...any) {
	if t.verdict == nil {
		v := unsafe(format, args...)
		t.verdict = &v
	}
}

func (t *treeChecker) visit(n any) {
	if t.verdict != nil {
		return
	}
	switch node := n.(type) {
	case *ast.CallExpression:
		t.checkCall(node)
	case *ast.NewExpression:
		if calleeName(node.Callee) == "Function" && !t.perms.DynamicExec {
			t.fail("call to dynamic code constructor Function (%s capability)", CapDynamicExec)
		}
	case *ast.DotExpression:
		t.checkMember(node)
	}
}

func (t *treeChecker) checkCall(call *ast.CallExpression) {
	name := calleeName(call.Callee)

	switch name {
	case "eval", "Function":
		if !t.perms.DynamicExec {
			t.fail("call to dynamic execution function %q (%s capability)", name, CapDynamicExec)
		}
		return
	case "require", "importScripts":
		if len(call.ArgumentList) == 0 {
			return
		}
		lit, ok := call.ArgumentList[0].(*ast.StringLiteral)
		if !ok {
			// require(variable) defeats static screening; treat as dynamic.
			if !t.perms.DynamicExec {
				t.fail("non-literal module load (%s capability)", CapDynamicExec)
			}
			return
		}
		module := strings.TrimPrefix(lit.Value.String(), "node:")
		if cap, sensitive := sensitiveModules[module]; sensitive && !t.perms.allows(cap) {
			t.fail("import of sensitive module %q (%s capability)", module, cap)
		}
	}
}

func (t *treeChecker) checkMember(dot *ast.DotExpression) {
	chain := chainOf(dot)
	if chain == "" {
		return
	}
	for prefix, cap := range sensitiveMembers {
		if (chain == prefix || strings.HasPrefix(chain, prefix+".")) && !t.perms.allows(cap) {
			t.fail("access to sensitive global %q (%s capability)", prefix, cap)
			return
		}
	}
}

// calleeName resolves the simple name of a call target: either a bare
// identifier or the final member of a dotted chain.
func calleeName(e ast.Expression) string {
	switch t := e.(type) {
	case *ast.Identifier:
		return t.Name.String()
	case *ast.DotExpression:
		return t.Identifier.Name.String()
	}
	return ""
}

// chainOf flattens a member-access chain rooted at an identifier into a
// dotted string. Chains rooted in calls or brackets yield "".
func chainOf(e ast.Expression) string {
	switch t := e.(type) {
	case *ast.Identifier:
		return t.Name.String()
	case *ast.DotExpression:
		left := chainOf(t.Left)
		if left == "" {
			return ""
		}
		return left + "." + t.Identifier.Name.String()
	}
	return ""
}

// walkTree visits every node reachable from v. The syntax tree package has no
// exported visitor, so this walks struct fields reflectively and hands each
// struct pointer to visit.
func walkTree(v reflect.Value, visit func(any)) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return
		}
		if v.Kind() == reflect.Pointer && v.Type().Elem().Kind() == reflect.Struct {
			visit(v.Interface())
		}
		walkTree(v.Elem(), visit)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				continue
			}
			walkTree(f, visit)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkTree(v.Index(i), visit)
		}
	}
}
