package task

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

var ErrNotAuthorized = errors.New("not authorized")

const maxStackFrames = 10

// CaptureError converts an execution failure into the structured form stored
// on the task record: message, Go type, and a stack truncated to a few
// frames from the capture site.
func CaptureError(err error) *store.ErrorInfo {
	if err == nil {
		return nil
	}

	info := &store.ErrorInfo{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
	}

	pcs := make([]uintptr, maxStackFrames)
	// skip runtime.Callers, CaptureError and the recording caller
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return info
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			info.Stack = append(info.Stack, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		}
		if !more || len(info.Stack) >= maxStackFrames {
			break
		}
	}
	return info
}
