package markdown

import "strings"

// Strip flattens a markdown fragment to plain text. It understands the
// subset agents actually emit: **bold**, *italic*, `code`, fenced code
// blocks, headings, and [label](url) links. Everything else passes
// through untouched.
func Strip(input string) string {
	if input == "" {
		return ""
	}
	var out strings.Builder
	inFence := false
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			out.WriteString(line)
		} else {
			out.WriteString(stripInline(stripHeading(line)))
		}
		if i < len(lines)-1 {
			out.WriteByte('\n')
		}
	}
	return strings.TrimSpace(out.String())
}

func stripHeading(line string) string {
	rest := strings.TrimLeft(line, "#")
	if rest != line && strings.HasPrefix(rest, " ") {
		return rest[1:]
	}
	return line
}

func stripInline(input string) string {
	var out strings.Builder
	for i := 0; i < len(input); {
		ch := input[i]
		switch {
		case ch == '\\' && i+1 < len(input):
			out.WriteByte(input[i+1])
			i += 2
		case ch == '`':
			i++
		case ch == '*':
			if strings.HasPrefix(input[i:], "**") {
				i += 2
			} else {
				i++
			}
		case ch == '[':
			label, rest, ok := splitLink(input[i:])
			if ok {
				out.WriteString(stripInline(label))
				i += len(input[i:]) - len(rest)
			} else {
				out.WriteByte(ch)
				i++
			}
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String()
}

// splitLink matches a leading [label](url) and returns the label and the
// remainder after the closing parenthesis.
func splitLink(input string) (label, rest string, ok bool) {
	closing := strings.Index(input, "](")
	if closing < 0 {
		return "", "", false
	}
	end := strings.IndexByte(input[closing:], ')')
	if end < 0 {
		return "", "", false
	}
	return input[1:closing], input[closing+end+1:], true
}
