package directory

import "strings"

// EscapeDN escapes a value used as a distinguished-name component for a
// directory bind (RFC 4514): `, \ NUL # + < > ; " =` and any leading or
// trailing space get a backslash prefix.
func EscapeDN(value string) string {
	if value == "" {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case ',', '\\', 0, '#', '+', '<', '>', ';', '"', '=':
			b.WriteByte('\\')
		case ' ':
			if i == 0 || i == len(value)-1 {
				b.WriteByte('\\')
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EscapeFilter escapes a value interpolated into a directory search
// filter (RFC 4515): `* \ NUL ) (` get a backslash prefix.
func EscapeFilter(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '*', '\\', 0, ')', '(':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
