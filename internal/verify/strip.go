package verify

// stripJS blanks comments and string, template and character literals,
// keeping newlines so line anchors still work.
func stripJS(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)

	blank := func(from, to int) {
		for i := from; i < to && i < len(out); i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}

	for i := 0; i < len(src); {
		switch {
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '/':
			j := i
			for j < len(src) && src[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '*':
			j := i + 2
			for j+1 < len(src) && (src[j] != '*' || src[j+1] != '/') {
				j++
			}
			j = min(j+2, len(src))
			blank(i, j)
			i = j
		case src[i] == '"' || src[i] == '\'' || src[i] == '`':
			j := skipQuoted(src, i, src[i], src[i] == '`')
			blank(i, j)
			i = j
		default:
			i++
		}
	}
	return out
}

// stripPython blanks comments and every form of string literal, including
// triple-quoted docstrings.
func stripPython(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)

	blank := func(from, to int) {
		for i := from; i < to && i < len(out); i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}

	for i := 0; i < len(src); {
		switch {
		case src[i] == '#':
			j := i
			for j < len(src) && src[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j
		case src[i] == '"' || src[i] == '\'':
			q := src[i]
			if i+2 < len(src) && src[i+1] == q && src[i+2] == q {
				j := i + 3
				for j+2 < len(src) && (src[j] != q || src[j+1] != q || src[j+2] != q) {
					if src[j] == '\\' {
						j++
					}
					j++
				}
				j = min(j+3, len(src))
				blank(i, j)
				i = j
				continue
			}
			j := skipQuoted(src, i, q, false)
			blank(i, j)
			i = j
		default:
			i++
		}
	}
	return out
}

// skipQuoted returns the index just past the literal opening at i.
// Single-line literals also end at a newline.
func skipQuoted(src []byte, i int, quote byte, multiline bool) int {
	j := i + 1
	for j < len(src) {
		switch {
		case src[j] == '\\':
			j += 2
			continue
		case src[j] == quote:
			return j + 1
		case src[j] == '\n' && !multiline:
			return j
		}
		j++
	}
	return len(src)
}
