package vocabulary

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// correction rewrites transcript text and reports whether anything changed.
type correction interface {
	apply(text string) (string, bool)
}

// parseRules compiles a vocabulary file. Blank lines and lines starting with '#'
// are ignored. Supported forms:
//
//	teh => the
//	s/\bdeep\s*gram\b/Deepgram/g
func parseRules(contents string) ([]correction, error) {
	lines := strings.Split(contents, "\n")
	out := make([]correction, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseLine(line string) (correction, error) {
	switch {
	case isSubstitution(line):
		return parseSubstitution(line)
	case strings.Contains(line, "=>"):
		return parseTermMapping(line)
	default:
		return nil, errors.New("unsupported rule format")
	}
}

// termMapping replaces a phrase case-insensitively wherever it appears.
type termMapping struct {
	pattern *regexp.Regexp
	to      string
}

func parseTermMapping(line string) (correction, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("term mapping needs a source phrase")
	}
	pattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return nil, fmt.Errorf("invalid term: %w", err)
	}
	return termMapping{pattern: pattern, to: strings.TrimSpace(to)}, nil
}

func (m termMapping) apply(text string) (string, bool) {
	out := m.pattern.ReplaceAllLiteralString(text, m.to)
	return out, out != text
}

// substitution is a sed-style rule. Matching is case-insensitive unless the
// rule says otherwise; without the g flag only the first match is replaced.
type substitution struct {
	pattern     *regexp.Regexp
	replacement string
	global      bool
}

func parseSubstitution(line string) (correction, error) {
	delim := line[1]
	pattern, next, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	replacement, next, err := readDelimited(line, next, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement: %w", err)
	}

	ignoreCase := true
	global := false
	var inline strings.Builder
	for _, flag := range strings.TrimSpace(line[next:]) {
		switch flag {
		case 'g':
			global = true
		case 'i':
			ignoreCase = true
		case 'I':
			ignoreCase = false
		case 'm', 's':
			inline.WriteRune(flag)
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}
	prefix := inline.String()
	if ignoreCase {
		prefix = "i" + prefix
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return substitution{pattern: re, replacement: replacement, global: global}, nil
}

func (s substitution) apply(text string) (string, bool) {
	if s.global {
		out := s.pattern.ReplaceAllString(text, s.replacement)
		return out, out != text
	}
	loc := s.pattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, false
	}
	expanded := s.pattern.ExpandString(nil, s.replacement, text, loc)
	out := text[:loc[0]] + string(expanded) + text[loc[1]:]
	return out, out != text
}

// readDelimited reads up to the next unescaped delim. Escapes are kept so the
// regexp engine sees them.
func readDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	for i := start; i < len(line); i++ {
		ch := line[i]
		if ch == '\\' && i+1 < len(line) {
			if line[i+1] == delim {
				b.WriteByte(delim)
			} else {
				b.WriteByte(ch)
				b.WriteByte(line[i+1])
			}
			i++
			continue
		}
		if ch == delim {
			return b.String(), i + 1, nil
		}
		b.WriteByte(ch)
	}
	return "", 0, errors.New("unterminated expression")
}

func isSubstitution(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	d := line[1]
	return !(d >= 'a' && d <= 'z' || d >= 'A' && d <= 'Z' || d >= '0' && d <= '9' || d == ' ' || d == '\t')
}
