package handler

import (
	"fmt"

	"github.com/casket-project/casket/internal/handlerpool"
	"github.com/casket-project/casket/internal/httpwire"
)

// EchoApplication is casket's built-in demo/testing handler, registered
// under "casket:echo". It reports the request it received back to the
// caller, useful for exercising the fabric end-to-end without a real
// application wired in.
type EchoApplication struct{}

// Handle implements handlerpool.Application.
func (EchoApplication) Handle(req *httpwire.Request, start handlerpool.StartResponse) (handlerpool.BytesIter, error) {
	start(200, httpwire.Headers{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}})

	body := fmt.Sprintf("%s %s\ntrace_id=%s\n", req.Method, req.URL.Path, req.Context.TraceID)
	if len(req.Body) > 0 {
		body += string(req.Body) + "\n"
	}

	return handlerpool.NewStaticBody([]byte(body)), nil
}
