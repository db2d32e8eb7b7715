package urls

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// reToken matches a parameter name or an unquoted value as defined in
// rfc7230. Unicode letters are deliberately permitted, proxies in the wild
// are not strict about tchar.
var reToken = regexp.MustCompile(`^[^"(),/:;<=>?@\[\]{}\s\p{Cc}]+`)

// parseForwardedHeader parses a Forwarded header value as defined in
// rfc7239. It returns the parameter map of the first forwarded-element and
// the unparsed rest of the header value following the element. An error is
// returned for a malformed element or a repeated parameter.
func parseForwardedHeader(forwarded string) (map[string]string, string, error) {
	const (
		// start of an element; terminating state
		stateElement = iota
		// a parameter name must follow
		stateParameter
		// a parameter name may follow; terminating state
		stateParameterOptional
		// the '=' between a parameter and its value
		stateKeyValueDelimiter
		// a value must follow
		stateValue
		// after a value; terminating state
		stateValueDelimiter
	)

	var (
		parameter string
		parse     = forwarded
		res       = make(map[string]string)
		state     = stateElement
	)

	for {
		parse = strings.TrimLeftFunc(parse, unicode.IsSpace)

		if len(parse) == 0 {
			switch state {
			case stateElement, stateParameterOptional, stateValueDelimiter:
				return res, "", nil
			default:
				return nil, parse, fmt.Errorf("unexpected end of input at position %d", len(forwarded))
			}
		}

		switch state {
		case stateElement:
			if parse[0] == ',' {
				// an empty element, tolerated
				return res, parse[1:], nil
			}
			state = stateParameter

		case stateParameter, stateParameterOptional:
			match := reToken.FindString(parse)
			if match == "" {
				return nil, parse, fmt.Errorf("failed to parse parameter at position %d", len(forwarded)-len(parse))
			}
			parameter = strings.ToLower(match)
			parse = parse[len(match):]
			state = stateKeyValueDelimiter

		case stateKeyValueDelimiter:
			if parse[0] != '=' {
				return nil, parse, fmt.Errorf("expected '=' at position %d", len(forwarded)-len(parse))
			}
			parse = parse[1:]
			state = stateValue

		case stateValue:
			var value string
			if parse[0] == '"' {
				var err error
				value, parse, err = parseQuotedString(parse, len(forwarded))
				if err != nil {
					return nil, parse, err
				}
			} else {
				match := reToken.FindString(parse)
				if match == "" {
					return nil, parse, fmt.Errorf("failed to parse value at position %d", len(forwarded)-len(parse))
				}
				value = match
				parse = parse[len(match):]
			}
			if _, exists := res[parameter]; exists {
				return nil, parse, fmt.Errorf("duplicate parameter %q at position %d", parameter, len(forwarded)-len(parse))
			}
			res[parameter] = value
			state = stateValueDelimiter

		case stateValueDelimiter:
			switch parse[0] {
			case ';':
				parse = parse[1:]
				state = stateParameterOptional
			case ',':
				// subsequent elements are left for the caller
				return res, parse[1:], nil
			default:
				return nil, parse, fmt.Errorf("expected ';' or ',' at position %d", len(forwarded)-len(parse))
			}
		}
	}
}

// parseQuotedString consumes a quoted-string from the front of parse,
// handling backslash escapes. It returns the unquoted value and the
// remaining input.
func parseQuotedString(parse string, total int) (string, string, error) {
	var sb strings.Builder

	for i := 1; i < len(parse); i++ {
		switch parse[i] {
		case '\\':
			i++
			if i >= len(parse) {
				return "", parse, fmt.Errorf("unterminated escape sequence at position %d", total-len(parse)+i)
			}
			sb.WriteByte(parse[i])
		case '"':
			return sb.String(), parse[i+1:], nil
		default:
			sb.WriteByte(parse[i])
		}
	}

	return "", parse, fmt.Errorf("unterminated quoted string at position %d", total-len(parse))
}
