package sql

import (
	"database/sql"
	"sort"
	"strconv"
	"strings"

	"github.com/BDNK1/flowgate/runtime"
)

// rebind adapts a @name query to the connection dialect. Postgres gets
// positional $n placeholders; SQLite keeps names. Only referenced arguments
// are passed on. Quoted literals and identifiers are left untouched.
func rebind(step string, q Query, dialect Dialect) (string, []any, error) {
	byName := make(map[string]sql.NamedArg, len(q.Args))
	for _, a := range q.Args {
		byName[strings.ToLower(a.Name)] = a
	}

	var sb strings.Builder
	var args []any
	positions := make(map[string]int)

	src := q.SQL
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c == '\'' || c == '"' {
			end := closingQuote(src, i)
			sb.WriteString(src[i:end])
			i = end - 1
			continue
		}
		if c != '@' || (i > 0 && (isNameByte(src[i-1]) || src[i-1] == '@')) || (i+1 < len(src) && src[i+1] == '@') {
			sb.WriteByte(c)
			continue
		}

		j := i + 1
		for j < len(src) && isNameByte(src[j]) {
			j++
		}
		if j == i+1 {
			sb.WriteByte(c)
			continue
		}

		name := src[i+1 : j]
		key := strings.ToLower(name)
		arg, ok := byName[key]
		if !ok {
			return "", nil, runtime.ConfigError(step, "query references @%s but no such parameter is defined", name)
		}

		if dialect == DialectPostgres {
			pos, seen := positions[key]
			if !seen {
				args = append(args, arg.Value)
				pos = len(args)
				positions[key] = pos
			}
			sb.WriteString("$" + strconv.Itoa(pos))
		} else {
			if _, seen := positions[key]; !seen {
				positions[key] = len(args)
				args = append(args, arg)
			}
			sb.WriteString(src[i:j])
		}
		i = j - 1
	}
	return sb.String(), args, nil
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// closingQuote returns the index just past the literal starting at i.
// Doubled quotes inside the literal are escapes.
func closingQuote(src string, i int) int {
	q := src[i]
	j := i + 1
	for j < len(src) {
		if src[j] == q {
			if j+1 < len(src) && src[j+1] == q {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(src)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
