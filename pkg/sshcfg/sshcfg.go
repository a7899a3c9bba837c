// Package sshcfg reads host aliases out of an OpenSSH client config,
// following Include directives.
package sshcfg

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// HostEntry is one Host block.
type HostEntry struct {
	Patterns []string
	// Params are the block's options, keys lower-cased. The first value
	// for a key wins, as in ssh.
	Params map[string]string
	File   string
	Line   int
}

// Get returns an option of the block, case-insensitively.
func (h HostEntry) Get(key string) (string, bool) {
	v, ok := h.Params[strings.ToLower(key)]
	return v, ok
}

// MatchRule is a Match block. Only "all" and "host" criteria are
// evaluated; any other criterion makes the rule never match.
type MatchRule struct {
	All    bool
	Hosts  []string
	Other  bool
	Params map[string]string
	File   string
	Line   int
}

// File is one parsed config file and the files it includes.
type File struct {
	Path     string
	Hosts    []HostEntry
	Matches  []MatchRule
	Includes []*File
}

// DefaultPath is the per-user config location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// LoadUser parses ~/.ssh/config. A missing file yields an empty tree.
func LoadUser() (*File, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	f, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Path: path}, nil
	}
	return f, err
}

// Load parses path and everything it includes. Include cycles are cut.
func Load(path string) (*File, error) {
	return load(path, map[string]bool{})
}

func load(path string, visited map[string]bool) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	node := &File{Path: abs}
	if visited[abs] {
		return node, nil
	}
	visited[abs] = true

	fh, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var host *HostEntry
	var match *MatchRule
	flush := func() {
		if host != nil {
			node.Hosts = append(node.Hosts, *host)
			host = nil
		}
		if match != nil {
			node.Matches = append(node.Matches, *match)
			match = nil
		}
	}

	sc := bufio.NewScanner(fh)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, args := parseLine(sc.Text())
		if key == "" {
			continue
		}

		switch key {
		case "host":
			flush()
			host = &HostEntry{Patterns: args, Params: map[string]string{}, File: abs, Line: lineNo}
		case "match":
			flush()
			match = parseMatch(args)
			match.File, match.Line = abs, lineNo
		case "include":
			// Include inside a block is still read; its hosts are
			// listed at top level, which is all alias listing needs.
			for _, pattern := range args {
				for _, inc := range expandInclude(pattern, filepath.Dir(abs)) {
					child, err := load(inc, visited)
					if err != nil {
						continue
					}
					node.Includes = append(node.Includes, child)
				}
			}
		default:
			value := strings.Join(args, " ")
			switch {
			case host != nil:
				if _, ok := host.Params[key]; !ok {
					host.Params[key] = value
				}
			case match != nil:
				if _, ok := match.Params[key]; !ok {
					match.Params[key] = value
				}
			}
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", abs)
	}
	return node, nil
}

// parseLine returns the lower-cased keyword and its arguments. Both
// "Key value" and "Key=value" forms are accepted.
func parseLine(line string) (string, []string) {
	line = strings.TrimSpace(stripComment(line))
	if line == "" {
		return "", nil
	}
	key, rest := line, ""
	if i := strings.IndexAny(line, " \t="); i >= 0 {
		key, rest = line[:i], strings.TrimLeft(line[i:], " \t")
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "="), " \t")
	}
	args, err := shellquote.Split(rest)
	if err != nil {
		args = strings.Fields(rest)
	}
	return strings.ToLower(key), args
}

// stripComment drops an unquoted # and what follows.
func stripComment(line string) string {
	var inSingle, inDouble bool
	for i, r := range line {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == '#' && !inSingle && !inDouble:
			return line[:i]
		}
	}
	return line
}

func parseMatch(args []string) *MatchRule {
	m := &MatchRule{Params: map[string]string{}}
	for i := 0; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "all":
			m.All = true
		case "host", "originalhost":
			if i+1 < len(args) {
				m.Hosts = append(m.Hosts, strings.Split(args[i+1], ",")...)
				i++
			}
		default:
			m.Other = true
			if i+1 < len(args) {
				i++
			}
		}
	}
	return m
}

func expandInclude(pattern, dir string) []string {
	if strings.HasPrefix(pattern, "~/") || pattern == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			pattern = filepath.Join(home, strings.TrimPrefix(pattern, "~"))
		}
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	out := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			out = append(out, m)
		}
	}
	return out
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[") || strings.HasPrefix(s, "!")
}

func (f *File) walk(fn func(*File)) {
	fn(f)
	for _, inc := range f.Includes {
		inc.walk(fn)
	}
}

// Aliases lists concrete host aliases, sorted and without duplicates.
// Wildcard and negated patterns are left out.
func (f *File) Aliases() []string {
	seen := map[string]bool{}
	f.walk(func(n *File) {
		for _, h := range n.Hosts {
			for _, p := range h.Patterns {
				if !isPattern(p) {
					seen[p] = true
				}
			}
		}
	})
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func matches(pattern, alias string) bool {
	if pattern == alias {
		return true
	}
	ok, err := filepath.Match(pattern, alias)
	return err == nil && ok
}

func matchesAny(patterns []string, alias string) bool {
	hit := false
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			if matches(p[1:], alias) {
				return false
			}
			continue
		}
		if matches(p, alias) {
			hit = true
		}
	}
	return hit
}

// EffectiveUser resolves the login user for alias: the first Host block
// in file order that sets User and matches, overridden by any matching
// Match block that sets User. Empty when nothing sets it.
func (f *File) EffectiveUser(alias string) string {
	var user string
	f.walk(func(n *File) {
		if user != "" {
			return
		}
		for _, h := range n.Hosts {
			if u, ok := h.Get("user"); ok && matchesAny(h.Patterns, alias) {
				user = u
				return
			}
		}
	})
	f.walk(func(n *File) {
		for _, m := range n.Matches {
			if m.Other {
				continue
			}
			if !m.All && !matchesAny(m.Hosts, alias) {
				continue
			}
			if u, ok := m.Params["user"]; ok {
				user = u
			}
		}
	})
	return user
}
