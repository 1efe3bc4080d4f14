package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAMLLoader reads flag defaults from a YAML document. Keys are flag
// names; a command's flags may also be nested under the command name:
//
//	log-level: debug
//	store: bolt:///var/lib/exiftip/cache.db
//	serve:
//	  address: ":9090"
func YAMLLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	var f kong.ResolverFunc = func(kctx *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		for _, key := range candidateKeys(flag.Name) {
			if v, ok := lookup(values, commandPath(parent), key); ok {
				return v, nil
			}
		}
		return nil, nil
	}
	return f, nil
}

// candidateKeys accepts kebab, snake and the flag's own spelling.
func candidateKeys(name string) []string {
	keys := []string{name}
	if snake := strings.ReplaceAll(name, "-", "_"); snake != name {
		keys = append(keys, snake)
	}
	return keys
}

// commandPath returns the command names leading to the node that declared
// a flag, outermost first. Global flags have an empty path.
func commandPath(parent *kong.Path) []string {
	if parent == nil || parent.Command == nil {
		return nil
	}
	var path []string
	for node := parent.Command; node != nil && node.Type == kong.CommandNode; node = node.Parent {
		path = append([]string{node.Name}, path...)
	}
	return path
}

// lookup prefers the most specific section: serve.address before address.
func lookup(values map[string]any, path []string, key string) (any, bool) {
	for i := len(path); i >= 0; i-- {
		section := values
		ok := true
		for _, name := range path[:i] {
			next, isMap := section[name].(map[string]any)
			if !isMap {
				ok = false
				break
			}
			section = next
		}
		if !ok {
			continue
		}
		if v, found := section[key]; found {
			if _, isSection := v.(map[string]any); isSection {
				continue
			}
			return normalize(v), true
		}
	}
	return nil, false
}

// normalize turns YAML lists into the comma-separated form kong parses.
func normalize(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ",")
}
