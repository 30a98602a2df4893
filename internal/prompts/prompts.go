// Package prompts manages agent prompt templates, named markdown files with
// YAML frontmatter that define each agent's role, worked task types and
// operating rules. The rendered body becomes the system prompt passed to the
// LLM provider for a session.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Prompt is a parsed agent prompt template.
type Prompt struct {
	// Name is the machine-readable identifier (matches the filename without .md).
	Name string `yaml:"name"`
	// Description is a one-line human-readable summary.
	Description string `yaml:"description"`
	// TaskTypes lists the task types this prompt covers.
	TaskTypes []string `yaml:"task_types"`
	// Model optionally pins a provider model alias ("fast", "smart").
	Model string `yaml:"model"`
	// Body is the markdown content after the YAML frontmatter.
	Body string `yaml:"-"`
	// Bundled is true if this prompt was loaded from the embedded defaults.
	Bundled bool `yaml:"-"`
}

// Render substitutes {key} placeholders in the prompt body.
func (p *Prompt) Render(vars map[string]string) string {
	out := p.Body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Load reads a prompt by agent name from the user prompt directory, falling
// back to bundled defaults.
func Load(name, promptsDir string) (*Prompt, error) {
	if name == "" {
		return nil, fmt.Errorf("prompts: empty prompt name")
	}

	if promptsDir != "" {
		path := filepath.Join(promptsDir, name+".md")
		if data, err := os.ReadFile(path); err == nil {
			p, err := parse(data)
			if err != nil {
				return nil, fmt.Errorf("prompts: parse %q: %w", path, err)
			}
			if p.Name == "" {
				p.Name = name
			}
			return p, nil
		}
	}

	data, err := defaultsFS.ReadFile("defaults/" + name + ".md")
	if err != nil {
		return nil, fmt.Errorf("prompts: prompt %q not found", name)
	}
	p, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("prompts: parse bundled %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	p.Bundled = true
	return p, nil
}

// List returns all prompts available, user-defined merged with bundled
// defaults. User prompts shadow bundled ones of the same name.
func List(promptsDir string) ([]Prompt, error) {
	byName := make(map[string]Prompt)

	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("prompts: reading embedded defaults: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			continue
		}
		p, err := parse(data)
		if err != nil {
			slog.Warn("prompts: skipping malformed bundled prompt", "file", entry.Name(), "error", err)
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(entry.Name(), ".md")
		}
		p.Bundled = true
		byName[p.Name] = *p
	}

	if promptsDir != "" {
		_ = filepath.WalkDir(promptsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			p, err := parse(data)
			if err != nil {
				slog.Warn("prompts: skipping malformed user prompt", "file", path, "error", err)
				return nil
			}
			if p.Name == "" {
				p.Name = strings.TrimSuffix(d.Name(), ".md")
			}
			byName[p.Name] = *p
			return nil
		})
	}

	out := make([]Prompt, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	return out, nil
}

// DefaultDir returns the default prompts directory: ~/.autodev/prompts/.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".autodev", "prompts")
}

// Init creates the user prompts directory and copies any missing bundled
// prompts into it. Safe to call on every startup.
func Init(promptsDir string) error {
	if err := os.MkdirAll(promptsDir, 0o750); err != nil {
		return fmt.Errorf("prompts: create dir %s: %w", promptsDir, err)
	}
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("prompts: reading embedded defaults: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		dest := filepath.Join(promptsDir, entry.Name())
		if _, err := os.Stat(dest); err == nil {
			continue // don't overwrite user edits
		}
		data, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			continue
		}
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			slog.Warn("prompts: failed to write default prompt", "file", dest, "error", err)
		}
	}
	return nil
}

// parse extracts YAML frontmatter and the markdown body from a prompt file.
func parse(data []byte) (*Prompt, error) {
	const delim = "---"

	data = bytes.TrimLeft(data, " \t\n\r")
	if !bytes.HasPrefix(data, []byte(delim)) {
		return &Prompt{Body: strings.TrimSpace(string(data))}, nil
	}

	rest := bytes.TrimPrefix(data, []byte(delim))
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	front := rest[:idx]
	body := rest[idx+len("\n"+delim):]
	// Drop the remainder of the closing delimiter line.
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	var p Prompt
	if err := yaml.Unmarshal(front, &p); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	p.Body = strings.TrimSpace(string(body))
	return &p, nil
}
