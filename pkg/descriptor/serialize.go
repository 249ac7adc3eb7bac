package descriptor

import (
	"fmt"
	"strings"
)

const escapeChar = '\\'

// Serialize renders d as prefix + type + sep + direction (+ sep + key + sep +
// value for every property, sorted by key). Tokens containing sep or a
// backslash are escaped with a backslash, so any key or value round-trips
// through Parse.
func (d Descriptor) Serialize(prefix, sep string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(escape(d.relType, sep))
	b.WriteString(sep)
	b.WriteString(d.direction.String())
	for _, p := range d.props.props {
		b.WriteString(sep)
		b.WriteString(escape(p.Key, sep))
		b.WriteString(sep)
		b.WriteString(escape(p.Value, sep))
	}
	return b.String()
}

// GroupKey renders the serialized form of the (type, direction) group,
// followed by one extra token. It is used for per-group bookkeeping keys
// such as compaction markers, which can never collide with a descriptor
// because they carry an odd number of trailing tokens.
func GroupKey(g Group, prefix, sep, suffix string) string {
	return prefix + escape(g.Type, sep) + sep + g.Direction.String() + sep + escape(suffix, sep)
}

// Parse is the inverse of Serialize. The prefix must be present.
func Parse(s, prefix, sep string) (Descriptor, error) {
	if !strings.HasPrefix(s, prefix) {
		return Descriptor{}, fmt.Errorf("%w: %q does not start with prefix %q", ErrMalformed, s, prefix)
	}
	tokens := Split(strings.TrimPrefix(s, prefix), sep)
	if len(tokens) < 2 || len(tokens)%2 != 0 {
		return Descriptor{}, fmt.Errorf("%w: %q has %d tokens", ErrMalformed, s, len(tokens))
	}

	dir, err := ParseDirection(tokens[1])
	if err != nil || !dir.Concrete() {
		return Descriptor{}, fmt.Errorf("%w: %q has no concrete direction", ErrMalformed, s)
	}

	props := make(map[string]string, (len(tokens)-2)/2)
	for i := 2; i < len(tokens); i += 2 {
		if _, dup := props[tokens[i]]; dup {
			return Descriptor{}, fmt.Errorf("%w: duplicate key %q in %q", ErrMalformed, tokens[i], s)
		}
		props[tokens[i]] = tokens[i+1]
	}
	return New(tokens[0], dir, NewPropertySet(props))
}

// Split breaks s on unescaped occurrences of sep and unescapes every token.
func Split(s, sep string) []string {
	var (
		tokens []string
		cur    strings.Builder
	)
	for i := 0; i < len(s); {
		switch {
		case s[i] == escapeChar && i+1 < len(s):
			if strings.HasPrefix(s[i+1:], sep) {
				cur.WriteString(sep)
				i += 1 + len(sep)
			} else {
				cur.WriteByte(s[i+1])
				i += 2
			}
		case strings.HasPrefix(s[i:], sep):
			tokens = append(tokens, cur.String())
			cur.Reset()
			i += len(sep)
		default:
			cur.WriteByte(s[i])
			i++
		}
	}
	return append(tokens, cur.String())
}

func escape(tok, sep string) string {
	if !strings.ContainsRune(tok, escapeChar) && !strings.Contains(tok, sep) {
		return tok
	}
	tok = strings.ReplaceAll(tok, string(escapeChar), `\\`)
	return strings.ReplaceAll(tok, sep, string(escapeChar)+sep)
}
