package database

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// StringArray maps a Postgres text[]/uuid[] column onto []string through
// database/sql. The pgx stdlib driver accepts slices as query arguments
// but database/sql scanning needs an explicit sql.Scanner.
type StringArray []string

// Value renders the Postgres array literal.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}

// Scan parses a Postgres array literal.
func (a *StringArray) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", src)
	}
	elems, err := parseArrayLiteral(raw)
	if err != nil {
		return err
	}
	*a = elems
	return nil
}

func parseArrayLiteral(raw string) ([]string, error) {
	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return nil, fmt.Errorf("malformed array literal %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	if inner == "" {
		return []string{}, nil
	}

	var (
		elems   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		elems = append(elems, cur.String())
		cur.Reset()
	}
	for _, r := range inner {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quoted || escaped {
		return nil, fmt.Errorf("malformed array literal %q", raw)
	}
	flush()
	return elems, nil
}
