package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/piwi3910/cascade/pkg/engine"
)

// placeholderPattern matches {{env.KEY}} references in string parameters.
// Keys follow the dotted naming of the environment store: alphanumeric
// segments with underscores, dots, and dashes.
var placeholderPattern = regexp.MustCompile(`\{\{\s*env\.([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// render substitutes every {{env.KEY}} placeholder in s with the value the
// environment holds for KEY. All placeholders must resolve; referenced keys
// are part of the stage's required keys, so a miss here means the store
// changed shape after the plan gate.
func render(s string, env engine.Config) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var missing []string
	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, err := env.Get(key)
		if err != nil {
			missing = append(missing, key)
			return match
		}
		return value
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment references: %s", strings.Join(dedupeKeys(missing), ", "))
	}
	return result, nil
}

// renderMap renders every value of m, leaving keys untouched.
func renderMap(m map[string]string, env engine.Config) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		rendered, err := render(v, env)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// referencedKeys returns the sorted, deduplicated environment keys that the
// given strings reference through {{env.KEY}} placeholders. The builder
// collects these into the stage's required keys so a missing key fails the
// run before any stage starts.
func referencedKeys(strs ...string) []string {
	seen := make(map[string]bool)
	for _, s := range strs {
		for _, match := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			seen[match[1]] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
