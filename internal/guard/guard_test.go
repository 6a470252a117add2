package guard

import (
	"strings"
	"testing"
)

func TestForLevel(t *testing.T) {
	high := ForLevel(LevelHigh)
	if high.FileSystem || high.Network || high.Introspection || high.DynamicExec {
		t.Errorf("high level should deny all capabilities, got %+v", high)
	}

	medium := ForLevel(LevelMedium)
	if !medium.Network {
		t.Error("medium level should allow network")
	}
	if medium.FileSystem || medium.DynamicExec {
		t.Errorf("medium level should deny filesystem and dynamic exec, got %+v", medium)
	}

	low := ForLevel(LevelLow)
	if !low.FileSystem || !low.Network || !low.Introspection || !low.DynamicExec {
		t.Errorf("low level should allow everything, got %+v", low)
	}
}

func TestPermissionsWith(t *testing.T) {
	p := ForLevel(LevelHigh).With(map[Capability]bool{CapNetwork: true})
	if !p.Network {
		t.Error("override should enable network")
	}
	if p.FileSystem {
		t.Error("override must not touch other capabilities")
	}
}

func TestCheckRegexTier(t *testing.T) {
	high := ForLevel(LevelHigh)

	tests := []struct {
		name     string
		code     string
		language string
		perms    Permissions
		wantSafe bool
	}{
		{"js clean", `const x = [1,2,3].map(n => n * 2); x.length;`, "javascript", high, true},
		{"js require fs", `const fs = require('fs'); fs.writeFileSync('/tmp/x', 'y');`, "javascript", high, false},
		{"js child_process", `require("child_process").execSync("id")`, "javascript", high, false},
		{"js fetch denied high", `fetch("https://example.com")`, "javascript", high, false},
		{"js fetch allowed medium", `fetch("https://example.com")`, "javascript", ForLevel(LevelMedium), true},
		{"js process env", `console.log(process.env.SECRET)`, "javascript", high, false},
		{"js eval", `eval("1+1")`, "javascript", high, false},
		{"js everything allowed low", `eval(require('fs').readFileSync(process.env.F))`, "javascript", ForLevel(LevelLow), true},
		{"python clean", `print(sum(range(10)))`, "python", high, true},
		{"python os.system", `import os` + "\n" + `os.system("rm -rf /")`, "python", high, false},
		{"python subprocess", `import subprocess`, "python", high, false},
		{"python requests denied", `import requests`, "python", high, false},
		{"python requests allowed medium", `import requests`, "python", ForLevel(LevelMedium), true},
		{"python file write", `open("out.txt", "w").write("x")`, "python", high, false},
		{"python eval", `eval("1+1")`, "python", high, false},
		{"bash clean", `echo hello`, "bash", high, true},
		{"bash rm -rf", `rm -rf /var/lib`, "bash", high, false},
		{"bash curl", `curl http://evil.example`, "bash", high, false},
		{"bash uname", `uname -a`, "bash", high, false},
		{"unknown language generic rules", `system("/bin/sh")`, "cobol", high, false},
		{"unknown language clean", `DISPLAY 'HELLO'.`, "cobol", high, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Check(tt.code, tt.language, tt.perms)
			if v.Safe != tt.wantSafe {
				t.Errorf("Check() safe = %v, want %v (reason: %s)", v.Safe, tt.wantSafe, v.Reason)
			}
			if !v.Safe && v.Reason == "" {
				t.Error("unsafe verdict must carry a reason")
			}
		})
	}
}

func TestCheckSyntaxTreeTier(t *testing.T) {
	high := ForLevel(LevelHigh)

	tests := []struct {
		name     string
		code     string
		wantSafe bool
		reason   string
	}{
		// Shapes the regex tier cannot reliably catch.
		{"spaced member access", `const e = process
			.env; e;`, false, "process.env"},
		{"concatenated module name", `const m = require("child" + "_process")`, false, "non-literal"},
		{"aliased eval stays caught by name", `window.eval("x")`, false, "eval"},
		{"benign member chain", `const n = config.env.name;`, true, ""},
		{"benign require", `const lodash = require("lodash")`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Check(tt.code, "javascript", high)
			if v.Safe != tt.wantSafe {
				t.Errorf("Check() safe = %v, want %v (reason: %s)", v.Safe, tt.wantSafe, v.Reason)
			}
			if tt.reason != "" && !strings.Contains(v.Reason, tt.reason) {
				t.Errorf("reason %q does not mention %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestParseFailureFallsBackToRegex(t *testing.T) {
	high := ForLevel(LevelHigh)

	// Not valid JavaScript, but also matches no denylist pattern: the
	// structural tier must degrade silently rather than reject.
	v := Check(`function { this is not js`, "javascript", high)
	if !v.Safe {
		t.Errorf("unparseable but pattern-clean code should pass regex-only, got reason %s", v.Reason)
	}

	// Unparseable code that does match a pattern still fails.
	v = Check(`eval( function { broken`, "javascript", high)
	if v.Safe {
		t.Error("denylisted pattern must fail even when the code does not parse")
	}
}

func TestCheckIsPure(t *testing.T) {
	code := `require('fs')`
	perms := ForLevel(LevelHigh)
	first := Check(code, "javascript", perms)
	for range 5 {
		if got := Check(code, "javascript", perms); got != first {
			t.Fatalf("Check is not deterministic: %+v vs %+v", got, first)
		}
	}
}
