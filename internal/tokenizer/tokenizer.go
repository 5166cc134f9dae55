// Package tokenizer implements the shell-like lexer that turns a
// client's command line into a pipeline of argv stages.
//
// The grammar: whitespace separates tokens, single quotes preserve
// bytes verbatim, double quotes allow backslash escapes of \ and ",
// a bare backslash-space escapes one space outside quotes, and an
// unquoted '|' splits the stream into pipeline stages, whether or not
// whitespace surrounds it.
package tokenizer

import "errors"

// ErrParse is returned for any malformed command line: unterminated
// quotes, a trailing backslash, or an empty stage (two pipes in a
// row, or a pipe with nothing before/after it).
var ErrParse = errors.New("tokenizer: parse failure")

// ErrTokenTooLong is distinct from ErrParse so callers can tell a
// malformed command from one that blew the internal token bound.
var ErrTokenTooLong = errors.New("tokenizer: token exceeds maximum length")

// maxTokenLength bounds a single token; nothing a real shell command
// produces comes close to it.
const maxTokenLength = 1 << 20

type token struct {
	text   string
	isPipe bool
}

// nextToken scans one token starting at pos. ok is false when the
// input is exhausted with nothing left to tokenize.
func nextToken(s string, pos int) (tok token, next int, ok bool, err error) {
	var b []byte
	inDouble, inSingle, haveQuotes := false, false, false
	i := pos
	for i < len(s) {
		c := s[i]
		switch c {
		case '"':
			haveQuotes = true
			if inSingle {
				b = append(b, '"')
			} else {
				inDouble = !inDouble
			}
			i++
		case '\'':
			haveQuotes = true
			if inDouble {
				b = append(b, '\'')
			} else {
				inSingle = !inSingle
			}
			i++
		case '\\':
			if inSingle {
				b = append(b, '\\')
				i++
				break
			}
			i++
			if i >= len(s) {
				return token{}, 0, false, ErrParse
			}
			nc := s[i]
			if nc == '\\' || nc == '"' || (!inDouble && nc == ' ') {
				b = append(b, nc)
			} else {
				b = append(b, '\\', nc)
			}
			i++
		case ' ', '\t':
			if inDouble || inSingle {
				b = append(b, c)
				i++
			} else if len(b) > 0 || haveQuotes {
				return token{text: string(b)}, i + 1, true, nil
			} else {
				i++
			}
		case '|':
			if inDouble || inSingle {
				b = append(b, '|')
				i++
			} else if len(b) > 0 || haveQuotes {
				// End the current token; leave the pipe for the next call.
				return token{text: string(b)}, i, true, nil
			} else {
				return token{text: "|", isPipe: true}, i + 1, true, nil
			}
		default:
			b = append(b, c)
			i++
		}
		if len(b) > maxTokenLength {
			return token{}, 0, false, ErrTokenTooLong
		}
	}
	if inDouble || inSingle {
		return token{}, 0, false, ErrParse
	}
	if len(b) > 0 || haveQuotes {
		return token{text: string(b)}, i, true, nil
	}
	return token{}, i, false, nil
}

// Tokenize parses a full command line into one or more pipeline
// stages, each a non-empty argv. A stage with zero arguments
// (consecutive pipes, or a leading/trailing pipe) is ErrParse.
func Tokenize(commandLine string) ([][]string, error) {
	var stages [][]string
	var current []string
	pos := 0
	for {
		tok, next, ok, err := nextToken(commandLine, pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		pos = next
		if tok.isPipe {
			if len(current) == 0 {
				return nil, ErrParse
			}
			stages = append(stages, current)
			current = nil
			continue
		}
		current = append(current, tok.text)
	}
	if len(current) == 0 {
		return nil, ErrParse
	}
	stages = append(stages, current)
	return stages, nil
}

// ParseSingleStage tokenizes commandLine and requires it to contain
// exactly one pipeline stage, as SEND_PROGRAM demands.
func ParseSingleStage(commandLine string) ([]string, error) {
	stages, err := Tokenize(commandLine)
	if err != nil {
		return nil, err
	}
	if len(stages) != 1 {
		return nil, ErrParse
	}
	return stages[0], nil
}
