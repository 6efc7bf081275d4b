package extract

import "strings"

// enclosingObject returns the object literal that contains position pos:
// it walks backward by brace depth to the opening '{', then forward to its
// matching '}'. ok is false if either side is unbalanced.
func enclosingObject(s string, pos int) (string, bool) {
	start := -1
	depth := 0
	for i := pos - 1; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				start = i
			} else {
				depth--
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return "", false
	}
	end := matchingBrace(s, start)
	if end < 0 {
		return "", false
	}
	return s[start : end+1], true
}

// matchingBrace scans forward from the '{' at start and returns the index of
// its matching '}', skipping braces inside string literals. Returns -1 when
// the object never closes.
//
// Iterating bytes is safe for the ASCII delimiters because UTF-8 never
// encodes them inside a multi-byte sequence.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		b := s[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// keyIndex finds the first occurrence of "key" as a quoted JSON key.
func keyIndex(s, key string) int {
	return strings.Index(s, `"`+key+`"`)
}
