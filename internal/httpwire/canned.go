package httpwire

import (
	"bufio"
	"fmt"
)

// Canned responses the worker itself produces without ever invoking the
// application handler, per spec.md §4.4/§6: a timed-out read, a
// rejected connection over the admission limit, and a handler that
// never returned in time.

// Timeout writes the fixed 408 response for a connection whose read
// deadline elapsed mid-request.
func Timeout(w *bufio.Writer, ctx Context) error {
	return writeCanned(w, ctx, 408, "request read timeout", nil)
}

// ServiceBusy writes the fixed 503 response for a connection the worker
// turns away: max_requests was reached, the worker is shutting down, or
// the handler pool is unavailable. A connection over max_connections is
// dropped by the server without any response.
func ServiceBusy(w *bufio.Writer, ctx Context) error {
	return writeCanned(w, ctx, 503, "service busy", nil)
}

// GatewayTimeout writes the fixed 504 response for a request the
// handler pool accepted but never answered within its deadline.
func GatewayTimeout(w *bufio.Writer, ctx Context) error {
	return writeCanned(w, ctx, 504, "gateway timeout", nil)
}

// InternalError writes a 500 response for a handler that raised an
// error instead of returning a response. When includeDetail is set
// (spec.md's return_stacktrace_in_body), detail is included in the
// body and the X-Error header; otherwise the body is empty and X-Error
// carries only a generic value. Per spec.md §6, the 500 response always
// carries an X-Error header in addition to the usual framing.
func InternalError(w *bufio.Writer, ctx Context, detail string, includeDetail bool) error {
	header, body := InternalErrorHeader(detail, includeDetail)
	if err := WriteResponseHeader(w, header, ctx, false); err != nil {
		return err
	}
	if body != "" {
		if _, err := fmt.Fprint(w, body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// InternalErrorHeader builds the 500 response header and body text for
// a handler that raised an error, without writing anything. The
// handler pool's error path streams its body asynchronously over a
// channel rather than through a *bufio.Writer, so it calls this
// directly instead of InternalError; both share the same header/body
// logic.
func InternalErrorHeader(detail string, includeDetail bool) (ResponseHeader, string) {
	body := ""
	xError := "handler error"
	if includeDetail {
		body = detail
		xError = detail
	}
	headers := Headers{
		{Name: "Content-Type", Value: "text/plain; charset=UTF-8"},
		{Name: "Content-Length", Value: fmt.Sprintf("%d", len(body))},
		{Name: "X-Error", Value: xError},
	}
	return ResponseHeader{Code: 500, Headers: headers}, body
}

func writeCanned(w *bufio.Writer, ctx Context, code int, body string, extra Headers) error {
	headers := Headers{
		{Name: "Content-Type", Value: "text/plain; charset=UTF-8"},
		{Name: "Content-Length", Value: fmt.Sprintf("%d", len(body))},
	}
	headers = append(headers, extra...)

	header := ResponseHeader{Code: code, Headers: headers}
	if err := WriteResponseHeader(w, header, ctx, false); err != nil {
		return err
	}
	if body != "" {
		if _, err := fmt.Fprint(w, body); err != nil {
			return err
		}
	}
	return w.Flush()
}
