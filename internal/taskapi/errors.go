package taskapi

import (
	"net/http"

	"github.com/sqlshard/taskworker/internal/task"
)

// httpStatusFor maps an error returned by a TaskExecution operation (or by
// the Registry) to the status code of §7's error taxonomy: protocol misuse
// is a caller precondition violation (400), an unknown taskId is itself
// classified as protocol misuse but reported as 404 since that's the
// resource the path names, and a late output queue registration is a
// conflict with the buffer's already-closed state (409). Driver failure and
// cancellation never reach here as errors — they're visible only through
// TaskInfo.State.
func httpStatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if err == task.ErrTaskNotFound {
		return http.StatusNotFound
	}

	class, ok := task.ClassOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch class {
	case task.ErrClassProtocolMisuse:
		return http.StatusBadRequest
	case task.ErrClassLateOutputQueue:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}
