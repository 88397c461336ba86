package httpwire

import (
	"bufio"
	"fmt"
	"io"
)

// ResponseHeader is the status line and header block a handler hands
// back to the worker, per spec.md §3 ("HttpResponse").
type ResponseHeader struct {
	Code    int
	Reason  string
	Headers Headers
}

// reasonPhrases covers the status codes Casket itself ever produces;
// handler-supplied codes outside this table fall back to Reason if set,
// or a generic phrase otherwise.
var reasonPhrases = map[int]string{
	200: "OK",
	204: "No Content",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	500: "Internal Server Error",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func (h ResponseHeader) reason() string {
	if h.Reason != "" {
		return h.Reason
	}
	if r, ok := reasonPhrases[h.Code]; ok {
		return r
	}
	return "Unknown"
}

// WriteResponseHeader serializes the status line and headers of a
// response, appending the three headers Casket itself always owns, per
// spec.md §6: X-TraceId, Connection (Keep-Alive|Close), and Server.
// Content-Length is never added automatically — a handler that wants
// one sets it itself; an application that wants keep-alive to work
// correctly is responsible for framing its own body, per spec.md §1's
// "arbitrary body framing" non-goal.
func WriteResponseHeader(w *bufio.Writer, h ResponseHeader, ctx Context, keepAlive bool) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", h.Code, h.reason()); err != nil {
		return err
	}

	for _, f := range h.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value); err != nil {
			return err
		}
	}

	conn := "Close"
	if keepAlive {
		conn = "Keep-Alive"
	}
	if _, err := fmt.Fprintf(w, "X-TraceId: %s\r\nConnection: %s\r\nServer: Casket\r\n", ctx.TraceID, conn); err != nil {
		return err
	}

	_, err := io.WriteString(w, "\r\n")
	return err
}
