package lib

import "strings"

// VerifyDelimiter rewrites a folder name using the expected delimiter. An expected delimiter
// found inside a component gets escaped, and an escaped existing delimiter stays in its component.
func VerifyDelimiter(name, existingDelimiter, expectedDelimiter string) string {
	if existingDelimiter == expectedDelimiter || existingDelimiter == "" || expectedDelimiter == "" {
		return name
	}
	escaped := "\\" + existingDelimiter
	builder := &strings.Builder{}
	builder.Grow(len(name))
	for i := 0; i < len(name); {
		rest := name[i:]
		switch {
		case strings.HasPrefix(rest, escaped):
			builder.WriteString(existingDelimiter)
			i += len(escaped)
		case strings.HasPrefix(rest, existingDelimiter):
			builder.WriteString(expectedDelimiter)
			i += len(existingDelimiter)
		case strings.HasPrefix(rest, expectedDelimiter):
			builder.WriteString("\\" + expectedDelimiter)
			i += len(expectedDelimiter)
		default:
			builder.WriteByte(name[i])
			i++
		}
	}
	return builder.String()
}
