// ABOUTME: Error vocabulary shared across the gateway and the native process.
// ABOUTME: Defines error codes, the structured Error type and the Response shape.

package protocol

import "fmt"

// ErrorCode is one of the fixed codes understood by the native process.
type ErrorCode string

const (
	CodeDLLDisconnected  ErrorCode = "DLL_DISCONNECTED"
	CodeCallTimeout      ErrorCode = "CALL_TIMEOUT"
	CodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	CodeInvalidFunction  ErrorCode = "INVALID_FUNCTION"
	CodeNetworkError     ErrorCode = "NETWORK_ERROR"
)

// Error is a structured protocol failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the uniform outcome of a correlated call or a dispatch.
type Response struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK returns a successful response carrying result.
func OK(result any) Response {
	return Response{Success: true, Result: result}
}

// Fail returns a failed response.
func Fail(code ErrorCode, format string, args ...any) Response {
	return Response{Error: Errorf(code, format, args...)}
}

// FailWith wraps an existing Error.
func FailWith(err *Error) Response {
	return Response{Error: err}
}

// Code returns the error code, or "" on success.
func (r Response) Code() ErrorCode {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// ResponseFromMessage interprets an inbound reply. A reply with success:false
// carries its error; a reply without a success field is treated as successful.
// The result is the "result" field when present, otherwise the remaining fields.
func ResponseFromMessage(m Message) Response {
	if ok, present := m["success"].(bool); present && !ok {
		return FailWith(ErrorFromValue(m["error"]))
	}
	if r, ok := m["result"]; ok {
		return OK(r)
	}
	rest := m.Clone()
	for _, k := range []string{FieldType, FieldID, "success"} {
		delete(rest, k)
	}
	if len(rest) == 0 {
		return OK(nil)
	}
	return OK(map[string]any(rest))
}

// ErrorFromValue converts a decoded {code,message} object (or a bare string)
// into an Error. Missing codes default to NETWORK_ERROR.
func ErrorFromValue(v any) *Error {
	e := &Error{Code: CodeNetworkError}
	switch t := v.(type) {
	case map[string]any:
		if c, ok := t["code"].(string); ok && c != "" {
			e.Code = ErrorCode(c)
		}
		if msg, ok := t["message"].(string); ok {
			e.Message = msg
		}
	case string:
		e.Message = t
	}
	if e.Message == "" {
		e.Message = "remote call failed"
	}
	return e
}
