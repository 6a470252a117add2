// Package runtime maps languages to the container image and command used to
// execute them.
package runtime

import (
	"sort"
	"strings"
)

// ImageConfig describes how to run code for one language inside a container.
// Command entries may contain the {file} placeholder, replaced with the
// in-container path of the code file.
type ImageConfig struct {
	Language  string   `json:"language"`
	Image     string   `json:"image"`
	Command   []string `json:"command"`
	Extension string   `json:"extension"`
}

// CommandFor returns the command line with {file} substituted.
func (c ImageConfig) CommandFor(codePath string) []string {
	out := make([]string, len(c.Command))
	for i, arg := range c.Command {
		out[i] = strings.ReplaceAll(arg, "{file}", codePath)
	}
	return out
}

// Registry is the static per-language image table.
type Registry struct {
	configs  map[string]ImageConfig
	fallback ImageConfig
}

// NewRegistry creates a registry with all supported language configurations.
func NewRegistry() *Registry {
	r := &Registry{
		configs: make(map[string]ImageConfig),
		// Unknown languages get a minimal inspection image instead of an
		// error: the file is echoed back so callers can at least see what
		// would have run.
		fallback: ImageConfig{
			Language:  "unknown",
			Image:     "docker.io/library/busybox:1.36",
			Command:   []string{"cat", "{file}"},
			Extension: ".txt",
		},
	}

	r.register(ImageConfig{
		Language:  "python",
		Image:     "docker.io/library/python:3.12-slim",
		Command:   []string{"python3", "-u", "-B", "{file}"},
		Extension: ".py",
	}, "py", "python3")

	r.register(ImageConfig{
		Language: "javascript",
		Image:    "docker.io/library/node:20-slim",
		Command: []string{
			"node",
			"--max-old-space-size=256", // limit V8 heap
			"--disallow-code-generation-from-strings", // block eval()
			"{file}",
		},
		Extension: ".js",
	}, "js", "node")

	r.register(ImageConfig{
		Language:  "typescript",
		Image:     "docker.io/library/node:20-slim",
		Command:   []string{"npx", "--yes", "tsx", "{file}"},
		Extension: ".ts",
	}, "ts")

	r.register(ImageConfig{
		Language:  "bash",
		Image:     "docker.io/library/alpine:3.19",
		Command:   []string{"/bin/sh", "-e", "-u", "{file}"},
		Extension: ".sh",
	}, "sh", "shell")

	r.register(ImageConfig{
		Language:  "ruby",
		Image:     "docker.io/library/ruby:3.3-slim",
		Command:   []string{"ruby", "{file}"},
		Extension: ".rb",
	}, "rb")

	r.register(ImageConfig{
		Language:  "go",
		Image:     "docker.io/library/golang:1.24-alpine",
		Command:   []string{"go", "run", "{file}"},
		Extension: ".go",
	}, "golang")

	return r
}

func (r *Registry) register(cfg ImageConfig, aliases ...string) {
	r.configs[cfg.Language] = cfg
	for _, alias := range aliases {
		r.configs[alias] = cfg
	}
}

// Get returns the configuration for a language, or the inspection fallback
// for languages not in the table. It never fails.
func (r *Registry) Get(language string) ImageConfig {
	if cfg, ok := r.configs[strings.ToLower(language)]; ok {
		return cfg
	}
	return r.fallback
}

// Lookup returns the configuration and whether the language is supported.
func (r *Registry) Lookup(language string) (ImageConfig, bool) {
	cfg, ok := r.configs[strings.ToLower(language)]
	return cfg, ok
}

// Languages returns the canonical supported language names, sorted.
func (r *Registry) Languages() []string {
	seen := make(map[string]bool)
	for _, cfg := range r.configs {
		seen[cfg.Language] = true
	}
	langs := make([]string, 0, len(seen))
	for name := range seen {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images referenced by the table, fallback
// included, for pre-pulling.
func (r *Registry) Images() []string {
	seen := map[string]bool{r.fallback.Image: true}
	for _, cfg := range r.configs {
		seen[cfg.Image] = true
	}
	images := make([]string, 0, len(seen))
	for img := range seen {
		images = append(images, img)
	}
	sort.Strings(images)
	return images
}
