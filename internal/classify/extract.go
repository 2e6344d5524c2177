package classify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// candidates returns the JSON-looking substrings of text in preference order:
// the first fenced code block, then the first top-level object, then the first
// top-level array.
func candidates(text string) []string {
	var out []string
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		if body := strings.TrimSpace(m[1]); body != "" {
			out = append(out, body)
		}
	}
	obj, arr := topLevelValues(text)
	if obj != "" {
		out = append(out, obj)
	}
	if arr != "" {
		out = append(out, arr)
	}
	return out
}

// decodeJSON extracts the first candidate that decodes into v.
func decodeJSON(text string, v any) error {
	found := candidates(text)
	if len(found) == 0 {
		return errors.Mark(errors.New("no JSON found in response"), ErrClassification)
	}
	var last error
	for _, c := range found {
		if err := json.Unmarshal([]byte(c), v); err != nil {
			last = err
			continue
		}
		return nil
	}
	return errors.Mark(errors.Wrap(last, "parse classifier response"), ErrClassification)
}

// topLevelValues scans for balanced {...} and [...] regions that are not nested
// inside another bracket, honouring JSON string escapes inside them.
func topLevelValues(text string) (object, array string) {
	for pos := 0; pos < len(text) && (object == "" || array == ""); {
		start := strings.IndexAny(text[pos:], "{[")
		if start < 0 {
			break
		}
		start += pos
		end := matchBracket(text, start)
		if end < 0 {
			pos = start + 1
			continue
		}
		value := text[start : end+1]
		if text[start] == '{' && object == "" {
			object = value
		}
		if text[start] == '[' && array == "" {
			array = value
		}
		pos = end + 1
	}
	return object, array
}

// matchBracket returns the index closing the bracket at start, or -1.
func matchBracket(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
