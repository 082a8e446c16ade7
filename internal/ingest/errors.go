package ingest

import "errors"

var (
	// ErrStatus is returned for a non-200 HTTP response.
	ErrStatus = errors.New("unexpected http status")
	// ErrMalformedResponse is returned when a body is not the expected
	// JSON envelope.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrAPIResult is returned when the envelope carries a non-success
	// result code.
	ErrAPIResult = errors.New("api result error")
	// ErrNoData is the NODATA_ERROR result: the request was valid but the
	// window holds no records yet.
	ErrNoData = errors.New("no data")
	// ErrBreakerOpen is returned without a network call while the circuit
	// breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
)
