package guard

import "regexp"

// rule is a tier-1 denylist entry: a compiled pattern tied to the capability
// class it would exercise.
type rule struct {
	cap  Capability
	name string
	re   *regexp.Regexp
}

func mustRule(cap Capability, name, expr string) rule {
	return rule{cap: cap, name: name, re: regexp.MustCompile(expr)}
}

var javascriptRules = []rule{
	mustRule(CapFileSystem, "require fs", `require\s*\(\s*['"](?:node:)?(?:fs|fs/promises)['"]`),
	mustRule(CapFileSystem, "require child_process", `require\s*\(\s*['"](?:node:)?child_process['"]`),
	mustRule(CapFileSystem, "import fs", `import\s+[^;]*from\s+['"](?:node:)?(?:fs|fs/promises|child_process)['"]`),
	mustRule(CapFileSystem, "spawn/exec call", `\b(?:execSync|spawnSync|execFileSync|fork)\s*\(`),
	mustRule(CapFileSystem, "process.exit", `process\.(?:exit|kill|abort)\s*\(`),
	mustRule(CapNetwork, "require net module", `require\s*\(\s*['"](?:node:)?(?:net|http|https|dgram|tls|dns)['"]`),
	mustRule(CapNetwork, "import net module", `import\s+[^;]*from\s+['"](?:node:)?(?:net|http|https|dgram|tls|dns)['"]`),
	mustRule(CapNetwork, "fetch call", `\bfetch\s*\(`),
	mustRule(CapNetwork, "websocket", `new\s+WebSocket\s*\(`),
	mustRule(CapIntrospection, "process.env", `process\.env\b`),
	mustRule(CapIntrospection, "process.binding", `process\.binding\s*\(`),
	mustRule(CapIntrospection, "require os", `require\s*\(\s*['"](?:node:)?os['"]`),
	mustRule(CapDynamicExec, "eval call", `\beval\s*\(`),
	mustRule(CapDynamicExec, "Function constructor", `\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"]`),
	mustRule(CapDynamicExec, "require vm", `require\s*\(\s*['"](?:node:)?vm['"]`),
}

var pythonRules = []rule{
	mustRule(CapFileSystem, "os.system", `\bos\.(?:system|popen|spawn\w*|exec\w*|remove|unlink|rmdir)\s*\(`),
	mustRule(CapFileSystem, "subprocess", `\bsubprocess\b`),
	mustRule(CapFileSystem, "shutil destructive", `\bshutil\.(?:rmtree|move|copytree)\s*\(`),
	mustRule(CapFileSystem, "file write", `\bopen\s*\([^)]*['"][wax]b?\+?['"]`),
	mustRule(CapFileSystem, "ctypes", `\bctypes\b`),
	mustRule(CapNetwork, "socket import", `\bimport\s+socket\b|\bfrom\s+socket\s+import\b`),
	mustRule(CapNetwork, "http client", `\b(?:urllib|requests|httpx|http\.client)\b`),
	mustRule(CapIntrospection, "os.environ", `\bos\.(?:environ|getenv|uname|getlogin)\b`),
	mustRule(CapIntrospection, "platform module", `\bimport\s+platform\b`),
	mustRule(CapDynamicExec, "eval call", `\beval\s*\(`),
	mustRule(CapDynamicExec, "exec call", `\bexec\s*\(`),
	mustRule(CapDynamicExec, "dynamic import", `\b__import__\s*\(`),
	mustRule(CapDynamicExec, "compile call", `\bcompile\s*\(`),
}

var shellRules = []rule{
	mustRule(CapFileSystem, "recursive rm", `\brm\s+(-\w*\s+)*-\w*[rf]`),
	mustRule(CapFileSystem, "write to system path", `>\s*/(?:etc|usr|var|boot|sys|proc)/`),
	mustRule(CapFileSystem, "mkfs/dd", `\b(?:mkfs|dd\s+if=|fdisk|mount)\b`),
	mustRule(CapNetwork, "network client", `\b(?:curl|wget|nc|ncat|netcat|ssh|scp)\b`),
	mustRule(CapNetwork, "dev tcp", `/dev/(?:tcp|udp)/`),
	mustRule(CapIntrospection, "env dump", `\b(?:printenv|env)\b\s*($|\||>)`),
	mustRule(CapIntrospection, "uname", `\buname\b`),
	mustRule(CapDynamicExec, "eval", `\beval\b`),
	mustRule(CapDynamicExec, "source", `\b(?:source|\.)\s+/`),
}

// genericRules apply to languages without a dedicated denylist.
var genericRules = []rule{
	mustRule(CapFileSystem, "system call", `\b(?:system|popen|fork|execve?)\s*\(`),
	mustRule(CapNetwork, "socket call", `\b(?:socket|connect)\s*\(`),
	mustRule(CapIntrospection, "getenv", `\bgetenv\s*\(`),
	mustRule(CapDynamicExec, "eval", `\beval\s*\(`),
}

func rulesFor(language string) []rule {
	switch language {
	case "javascript", "js", "node", "typescript", "ts":
		return javascriptRules
	case "python", "py", "python3":
		return pythonRules
	case "bash", "sh", "shell":
		return shellRules
	default:
		return genericRules
	}
}

// isJavaScript reports whether the structural tier has a parser for the
// language. TypeScript is excluded: the parser handles plain JS only.
func isJavaScript(language string) bool {
	switch language {
	case "javascript", "js", "node":
		return true
	}
	return false
}
