package workflow

import (
	"errors"
	"runtime/debug"

	"github.com/xraph/orchestra"
)

// ErrorInfo is the persisted form of a run or step failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`

	// Permanent failures are never retried.
	Permanent bool `json:"permanent,omitempty"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewErrorInfo converts err into an ErrorInfo carrying code. An ErrorInfo
// found in err's chain keeps its own code and stack when code is empty.
func NewErrorInfo(code string, err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		out := *info
		if code != "" {
			out.Code = code
		}
		out.Permanent = out.Permanent || errors.Is(err, orchestra.ErrPermanent)
		return &out
	}
	return &ErrorInfo{Message: err.Error(), Code: code, Permanent: errors.Is(err, orchestra.ErrPermanent)}
}

// WithStack returns a copy of e carrying the current goroutine's stack.
func (e *ErrorInfo) WithStack() *ErrorInfo {
	out := *e
	out.Stack = string(debug.Stack())
	return &out
}
