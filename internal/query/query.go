// Package query composes SQL from named sub-expressions.
//
// A Fragment is one named relation (rendered as a CTE) whose SQL refers to
// parameters as @name and to other fragments by their names. Compile orders
// the dependencies, renders a single WITH statement and rewrites @name
// placeholders into positional $n parameters, so callers never concatenate
// parameter lists by hand.
package query

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Args maps parameter names to values.
type Args map[string]any

// Fragment is a named relational sub-expression.
type Fragment struct {
	Name string
	SQL  string
	Args Args
	Deps []*Fragment
}

// New returns a fragment named name.
func New(name, sql string, args Args, deps ...*Fragment) *Fragment {
	return &Fragment{Name: name, SQL: sql, Args: args, Deps: deps}
}

// Statement is a compiled query ready for pgx.
type Statement struct {
	SQL  string
	Args []any
}

// Compile renders final as the main SELECT with all transitive dependencies
// as CTEs in dependency order. Final's own Name is not rendered. Two
// fragments that share a name must have the same SQL and arguments, and two
// bindings of the same parameter must agree.
func Compile(final *Fragment) (Statement, error) {
	var (
		order []*Fragment
		seen  = map[string]*Fragment{}
		stack = map[string]bool{}
	)

	var visit func(f *Fragment) error
	visit = func(f *Fragment) error {
		if prev, ok := seen[f.Name]; ok {
			if prev != f && (prev.SQL != f.SQL || !reflect.DeepEqual(prev.Args, f.Args)) {
				return eris.Errorf("query: fragment %q defined twice", f.Name)
			}
			return nil
		}
		if stack[f.Name] {
			return eris.Errorf("query: dependency cycle at %q", f.Name)
		}
		stack[f.Name] = true
		for _, d := range f.Deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack[f.Name] = false
		seen[f.Name] = f
		order = append(order, f)
		return nil
	}

	for _, d := range final.Deps {
		if err := visit(d); err != nil {
			return Statement{}, err
		}
	}

	args := Args{}
	merge := func(f *Fragment) error {
		for k, v := range f.Args {
			if prev, ok := args[k]; ok && !reflect.DeepEqual(prev, v) {
				return eris.Errorf("query: parameter @%s bound to %v and %v", k, prev, v)
			}
			args[k] = v
		}
		return nil
	}

	var b strings.Builder
	for i, f := range order {
		if err := merge(f); err != nil {
			return Statement{}, err
		}
		if i == 0 {
			b.WriteString("WITH ")
		} else {
			b.WriteString(",\n")
		}
		b.WriteString(f.Name)
		b.WriteString(" AS (\n")
		b.WriteString(strings.TrimSpace(f.SQL))
		b.WriteString("\n)")
	}
	if err := merge(final); err != nil {
		return Statement{}, err
	}
	if len(order) > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(final.SQL))

	sql, positional, err := bind(b.String(), args)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql, Args: positional}, nil
}

// bind rewrites @name placeholders to $n in order of first appearance.
// Text inside single-quoted literals, double-quoted identifiers and
// comments is left as is. Arguments that no placeholder references are
// dropped.
func bind(sql string, args Args) (string, []any, error) {
	var (
		out   strings.Builder
		index = map[string]int{}
		vals  []any
	)
	out.Grow(len(sql))

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(sql) && sql[j] != c {
				j++
			}
			if j >= len(sql) {
				return "", nil, eris.New("query: unterminated quote")
			}
			out.WriteString(sql[i : j+1])
			i = j
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				j = len(sql) - i
			}
			out.WriteString(sql[i : i+j])
			i += j - 1
		case c == '@' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdent(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			v, ok := args[name]
			if !ok {
				return "", nil, eris.Errorf("query: parameter @%s not bound", name)
			}
			n, ok := index[name]
			if !ok {
				vals = append(vals, v)
				n = len(vals)
				index[name] = n
			}
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			i = j - 1
		default:
			out.WriteByte(c)
		}
	}

	return out.String(), vals, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
