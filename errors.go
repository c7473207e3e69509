package offload

import "fmt"

// pipelineError is a terminal Request Pipeline failure: an HTTP status
// plus the plain-text message to send as the body. It adapts
// nph-offload.c's failure()/failure_location() — which print a status
// line, the "Status:" CGI duplicate, and a message straight to the
// client socket before exiting — into a normal Go error value that
// propagates up through the pipeline instead of calling exit() at the
// point of failure.
type pipelineError struct {
	status int
	msg    string
	// location carries a Location header to forward verbatim, used when
	// the origin's HEAD response was itself a redirect (spec §4.8:
	// "forward the origin's status and optional Location header").
	location string
}

func (e *pipelineError) Error() string {
	return fmt.Sprintf("%d %s", e.status, e.msg)
}

// fail constructs a pipelineError without a location. pipeline.go builds
// every terminal error through it except a forwarded non-200 origin
// status, which also carries the origin's Location header.
func fail(status int, format string, args ...any) *pipelineError {
	return &pipelineError{status: status, msg: fmt.Sprintf(format, args...)}
}

// asPipelineError unwraps err into a *pipelineError, or wraps it as a
// 500 if it isn't already one — every unexpected internal error (a
// filesystem failure, a dial failure not already classified) becomes a
// 500 at the boundary rather than leaking an unstructured error to the
// client.
func asPipelineError(err error) *pipelineError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*pipelineError); ok {
		return pe
	}
	return &pipelineError{status: 500, msg: "internal error"}
}
