package shell

import (
	"cmp"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxFuzzyDistance bounds how far a name may be from the typed word and
// still be offered when nothing matches by prefix.
const maxFuzzyDistance = 2

// Complete returns keywords and variable names that start with the word
// typed before cursorPos. When nothing starts with it, names within a small
// edit distance are returned, closest first.
func (s *Shell) Complete(text, line string, cursorPos int) []string {
	word := text
	if cursorPos >= 0 && cursorPos < len(word) {
		word = word[:cursorPos]
	}
	if word == "" {
		word = lastWord(line)
	}

	candidates := s.candidates()

	var matches []string
	for _, c := range candidates {
		if strings.HasPrefix(c, word) {
			matches = append(matches, c)
		}
	}
	if len(matches) > 0 || word == "" {
		return matches
	}

	type scored struct {
		name string
		dist int
	}
	var near []scored
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(word, c); d <= maxFuzzyDistance {
			near = append(near, scored{c, d})
		}
	}
	slices.SortFunc(near, func(a, b scored) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	for _, n := range near {
		matches = append(matches, n.name)
	}
	return matches
}

// candidates returns keywords and variable names, sorted.
func (s *Shell) candidates() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.ns)+len(keywords))
	for name := range s.ns {
		names = append(names, name)
	}
	s.mu.Unlock()

	names = append(names, keywords...)
	slices.Sort(names)
	return slices.Compact(names)
}

func lastWord(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasSuffix(line, " ") {
		return ""
	}
	return fields[len(fields)-1]
}
