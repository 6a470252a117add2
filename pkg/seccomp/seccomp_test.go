package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func syscallAction(p *specs.LinuxSeccomp, name string) (specs.LinuxSeccompAction, bool) {
	for _, sc := range p.Syscalls {
		for _, n := range sc.Names {
			if n == name {
				return sc.Action, true
			}
		}
	}
	return "", false
}

func TestDefaultProfileDeniesByDefault(t *testing.T) {
	p := DefaultProfile()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %s, want %s", p.DefaultAction, specs.ActErrno)
	}
	if len(p.Architectures) == 0 {
		t.Error("profile must declare architectures")
	}
}

func TestDefaultProfileAllowsInterpreterBasics(t *testing.T) {
	p := DefaultProfile()

	for _, name := range []string{"read", "write", "mmap", "futex", "execve", "openat"} {
		action, ok := syscallAction(p, name)
		if !ok {
			t.Errorf("syscall %q missing from profile", name)
			continue
		}
		if action != specs.ActAllow {
			t.Errorf("syscall %q action = %s, want allow", name, action)
		}
	}
}

func TestDefaultProfileDeniesNetwork(t *testing.T) {
	p := DefaultProfile()

	// socket must not be allowlisted: it falls through to the errno default.
	if action, ok := syscallAction(p, "socket"); ok && action == specs.ActAllow {
		t.Error("default profile must not allow socket")
	}
}

func TestDefaultProfileTrapsEscapeVectors(t *testing.T) {
	p := DefaultProfile()

	for _, name := range []string{"ptrace", "bpf", "userfaultfd"} {
		action, ok := syscallAction(p, name)
		if !ok {
			t.Errorf("syscall %q missing from profile", name)
			continue
		}
		if action != specs.ActTrap {
			t.Errorf("syscall %q action = %s, want trap", name, action)
		}
	}

	for _, name := range []string{"mount", "setns", "unshare", "reboot"} {
		action, ok := syscallAction(p, name)
		if !ok {
			t.Errorf("syscall %q missing from profile", name)
			continue
		}
		if action != specs.ActErrno {
			t.Errorf("syscall %q action = %s, want errno", name, action)
		}
	}
}

func TestNetworkAllowProfile(t *testing.T) {
	p := NetworkAllowProfile()

	for _, name := range []string{"socket", "connect", "sendto", "recvfrom"} {
		action, ok := syscallAction(p, name)
		if !ok || action != specs.ActAllow {
			t.Errorf("network profile should allow %q", name)
		}
	}

	// Escape vectors stay trapped even with network allowed.
	if action, _ := syscallAction(p, "ptrace"); action != specs.ActTrap {
		t.Error("network profile must still trap ptrace")
	}
}

func TestDockerProfileJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON() error = %v", err)
	}

	var decoded struct {
		DefaultAction string `json:"defaultAction"`
		Architectures []string
		Syscalls      []struct {
			Names  []string
			Action string
		}
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if decoded.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", decoded.DefaultAction)
	}
	if len(decoded.Syscalls) == 0 {
		t.Error("docker profile has no syscall rules")
	}
}
