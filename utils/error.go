package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorStateConflict marks errors caused by an operation racing or conflicting
// with the current persisted state (finalize with open lines, stale version).
// Handlers map it to HTTP 409.
var ErrorStateConflict = errors.New("state conflict")

// ErrorPermissionDenied is returned before any side effect when the session
// user lacks the required permission code. Handlers map it to HTTP 403.
var ErrorPermissionDenied = errors.New("permission denied")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
