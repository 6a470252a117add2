package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// dockerProfile is the JSON shape the docker CLI accepts for
// --security-opt seccomp=<file>. The OCI action and arch constants are
// already the SCMP_* strings Docker expects.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func toDockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	out := dockerProfile{
		DefaultAction: string(p.DefaultAction),
	}
	for _, arch := range p.Architectures {
		out.Architectures = append(out.Architectures, string(arch))
	}
	for _, sc := range p.Syscalls {
		out.Syscalls = append(out.Syscalls, dockerSyscall{
			Names:  sc.Names,
			Action: string(sc.Action),
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}

// DockerProfileJSON returns the default profile in Docker's file format.
func DockerProfileJSON() ([]byte, error) {
	return toDockerJSON(DefaultProfile())
}

// DockerNetworkProfileJSON returns the network-allowing profile in Docker's
// file format.
func DockerNetworkProfileJSON() ([]byte, error) {
	return toDockerJSON(NetworkAllowProfile())
}
