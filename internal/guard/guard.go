// Package guard screens source text against a permission profile before any
// execution resources are committed. Checks are pure functions of
// (code, language, permissions): no I/O, no caching, a full re-scan per call.
package guard

import "fmt"

// Capability classes the guard can deny.
type Capability string

const (
	CapFileSystem    Capability = "filesystem"    // file writes, process spawning, system calls
	CapNetwork       Capability = "network"       // sockets, HTTP clients
	CapIntrospection Capability = "introspection" // environment and host inspection
	CapDynamicExec   Capability = "dynamic_exec"  // eval and friends
)

// Level names a predefined permission profile.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Permissions states which capability classes the code may use.
type Permissions struct {
	FileSystem    bool
	Network       bool
	Introspection bool
	DynamicExec   bool
}

// ForLevel returns the permission profile for a named security level.
// High denies everything, medium allows outbound network, low allows all.
func ForLevel(level Level) Permissions {
	switch level {
	case LevelMedium:
		return Permissions{Network: true}
	case LevelLow:
		return Permissions{FileSystem: true, Network: true, Introspection: true, DynamicExec: true}
	default:
		return Permissions{}
	}
}

// With applies explicit per-capability overrides on top of a profile.
func (p Permissions) With(overrides map[Capability]bool) Permissions {
	for cap, allowed := range overrides {
		switch cap {
		case CapFileSystem:
			p.FileSystem = allowed
		case CapNetwork:
			p.Network = allowed
		case CapIntrospection:
			p.Introspection = allowed
		case CapDynamicExec:
			p.DynamicExec = allowed
		}
	}
	return p
}

func (p Permissions) allows(cap Capability) bool {
	switch cap {
	case CapFileSystem:
		return p.FileSystem
	case CapNetwork:
		return p.Network
	case CapIntrospection:
		return p.Introspection
	case CapDynamicExec:
		return p.DynamicExec
	}
	return false
}

// Verdict is the outcome of a security check. Reason is set when unsafe.
type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
}

func safe() Verdict { return Verdict{Safe: true} }

func unsafe(format string, args ...any) Verdict {
	return Verdict{Safe: false, Reason: fmt.Sprintf(format, args...)}
}

// Check screens code against the permission profile. The fast regex tier runs
// first; if it is clean and a parser exists for the language, a structural
// tier walks the syntax tree for shapes regex cannot reliably catch. A parse
// failure is not fatal and falls back to the regex-only verdict.
func Check(code, language string, perms Permissions) Verdict {
	rules := rulesFor(language)
	for _, r := range rules {
		if perms.allows(r.cap) {
			continue
		}
		if r.re.MatchString(code) {
			return unsafe("disallowed pattern %q (%s capability)", r.name, r.cap)
		}
	}

	if isJavaScript(language) {
		if v, parsed := checkSyntaxTree(code, perms); parsed {
			return v
		}
	}

	return safe()
}
