// Package mockserver serves scripted OpenAI-compatible chat completions.
//
// A script is an ordered list of rules. Each request is matched against the
// rules by a regular expression over its message text; the first matching
// rule answers. A rule serves its replies in order and repeats the last one,
// and may fail its first calls with an HTTP status to exercise client retries.
//
// Scripts are YAML:
//
//	default: "Noted."
//	rules:
//	  - name: classifier
//	    match: "(?i)contradictions"
//	    replies: ["[]"]
//	  - name: throttled
//	    match: "checkout"
//	    failures: 2
//	    status: 429
//	    replies: ["What should happen when the cart is empty?"]
package mockserver

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule answers requests whose text matches Match.
type Rule struct {
	Name    string   `yaml:"name"`
	Match   string   `yaml:"match"`
	Replies []string `yaml:"replies"`
	// Failures is how many initial calls answer with Status instead of a reply.
	Failures int `yaml:"failures"`
	// Status defaults to 429.
	Status int `yaml:"status"`

	re *regexp.Regexp
}

// Script is an ordered rule set.
type Script struct {
	// Default answers requests no rule matches; empty means 404.
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Compile validates the script and compiles its patterns.
func (s *Script) Compile() error {
	seen := make(map[string]bool, len(s.Rules))
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if len(r.Replies) == 0 {
			return fmt.Errorf("rule %s: at least one reply is required", r.Name)
		}
		if r.Failures < 0 {
			return fmt.Errorf("rule %s: failures must not be negative", r.Name)
		}
		if r.Status == 0 {
			r.Status = http.StatusTooManyRequests
		}
		if r.Status < 400 || r.Status > 599 {
			return fmt.Errorf("rule %s: status %d is not an error status", r.Name, r.Status)
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
		r.re = re
	}
	return nil
}

// match returns the first rule matching text, or nil.
func (s *Script) match(text string) *Rule {
	for i := range s.Rules {
		if s.Rules[i].re.MatchString(text) {
			return &s.Rules[i]
		}
	}
	return nil
}

// ParseScript decodes and compiles a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScript reads a script file, or every *.yaml and *.yml file under a
// directory in lexical order. Rules from later files follow earlier ones and
// the last non-empty default wins.
func LoadScript(path string) (*Script, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat script: %w", err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		return ParseScript(data)
	}

	fsys := os.DirFS(path)
	files, err := doublestar.Glob(fsys, "**/*.{yaml,yml}", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no script files found in %s", path)
	}
	sort.Strings(files)

	merged := &Script{}
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Join(path, name), err)
		}
		var part Script
		if err := yaml.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Join(path, name), err)
		}
		merged.Rules = append(merged.Rules, part.Rules...)
		if part.Default != "" {
			merged.Default = part.Default
		}
	}
	if err := merged.Compile(); err != nil {
		return nil, err
	}
	return merged, nil
}
