package fastagi

import (
	"fmt"
	"strconv"
	"strings"
)

// failCode stands in for any command outcome the PBX reports as failed
// without a usable result value.
const failCode = -3

// Result is the parsed outcome of one AGI command. Code carries the
// result= value of a 200 reply; Rest holds whatever trailed the code,
// such as a parenthesised variable value.
type Result struct {
	Code int
	Rest string
}

// Failed reports whether the command did not do what was asked.
func (r Result) Failed() bool { return r.Code < 0 }

// AGIError is returned when the PBX rejects a command as invalid (510).
type AGIError struct {
	Command string
	Message string
}

func (e *AGIError) Error() string {
	return fmt.Sprintf("invalid agi command %q: %s", e.Command, e.Message)
}

// parseReply interprets one status line from the PBX. A 520 usage block
// must already have been drained by the caller.
func parseReply(command, line string) (Result, error) {
	codeStr, response, found := strings.Cut(line, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || !found {
		return Result{Code: failCode}, nil
	}
	switch code {
	case 200:
		return parseSuccess(response), nil
	case 510:
		return Result{}, &AGIError{Command: command, Message: response}
	default:
		return Result{Code: failCode}, nil
	}
}

// parseSuccess extracts the result= value from a 200 response.
func parseSuccess(response string) Result {
	idx := strings.Index(response, "result=")
	if idx < 0 {
		return Result{}
	}
	value := response[idx+len("result="):]

	// The common case: a plain integer.
	if code, err := strconv.Atoi(value); err == nil {
		return Result{Code: code}
	}

	// A compound result such as "0 endpos=12345". Asterisk returns 200
	// for STREAM FILE even when the file is missing; a zero result with
	// a zero endpos is the only clue that playback failed.
	if pos := strings.Index(value, "endpos="); pos >= 0 {
		endpos, _ := strconv.Atoi(strings.TrimSpace(value[pos+len("endpos="):]))
		code, err := strconv.Atoi(strings.TrimSpace(value[:pos]))
		if err != nil {
			code = failCode
			for _, tok := range strings.Fields(value[:pos]) {
				if v, tokErr := strconv.Atoi(tok); tokErr == nil {
					code = v
					break
				}
			}
		}
		if code == 0 && endpos == 0 {
			return Result{Code: failCode}
		}
		return Result{Code: code}
	}

	// A code with a trailing value, e.g. `1 (dialed-digits)`.
	if pos := strings.IndexByte(value, ' '); pos >= 0 {
		code, err := strconv.Atoi(value[:pos])
		if err != nil {
			return Result{Code: failCode}
		}
		return Result{Code: code, Rest: value[pos+1:]}
	}
	return Result{}
}

// dtmfDigit converts the PBX's keypad result code to its digit.
func dtmfDigit(code int) string {
	switch code {
	case 42:
		return "*"
	case 35:
		return "#"
	case 0:
		return "0"
	default:
		return strconv.Itoa(code - 48)
	}
}
