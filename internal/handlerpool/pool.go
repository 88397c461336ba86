package handlerpool

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/casket-project/casket/internal/httpwire"
	"github.com/casket-project/casket/internal/token"
	"github.com/casket-project/casket/internal/workq"
)

// Job is one (token, request) pair dispatched to a handler goroutine,
// per spec.md §4.6.
type Job struct {
	Token   token.Token
	Request *httpwire.Request
}

// CodeStart marks the moment a handler goroutine began running the
// application for a token; the worker arms its per-request handler
// timeout from this.
type CodeStart struct {
	Token token.Token
	At    time.Time
}

// BodyChunk is one piece of a streamed response body, or a terminal
// error. A BodyChunk with Err set is always the last value sent on its
// channel.
type BodyChunk struct {
	Data []byte
	Err  error
}

// ResponseEnvelope is a completed response header plus the channel the
// worker reads body chunks from, per spec.md §4.6/§3 ("single-producer
// single-consumer channel; EndOfStream marked by channel closure").
type ResponseEnvelope struct {
	Token  token.Token
	Header httpwire.ResponseHeader
	Body   <-chan BodyChunk
}

// Pool runs a fixed number of handler goroutines sharing one
// round-robin work queue, per spec.md §4.6. It ports the original's
// workq::Sender/Receiver design using internal/workq.
type Pool struct {
	app              Application
	jobs             *workq.Sender[Job]
	responses        chan ResponseEnvelope
	codeStarts       chan CodeStart
	returnStacktrace bool
}

// New starts numThreads handler goroutines, each pulling from a
// dedicated round-robin receiver, invoking app for every job. When
// returnStacktrace is set, an application error's message is included
// in the body of the 500 response it produces (spec.md §4.6 "the
// formatted traceback, if configured").
func New(app Application, numThreads int, returnStacktrace bool) *Pool {
	p := &Pool{
		app:              app,
		jobs:             workq.New[Job](),
		responses:        make(chan ResponseEnvelope, numThreads),
		codeStarts:       make(chan CodeStart, numThreads),
		returnStacktrace: returnStacktrace,
	}

	for i := 0; i < numThreads; i++ {
		recv := p.jobs.NewReceiver(numThreads)
		go p.runHandler(recv)
	}

	return p
}

// Submit hands a job to the next live handler goroutine in round-robin
// order.
func (p *Pool) Submit(job Job) error {
	return p.jobs.Send(job)
}

// Responses is the channel the worker's reactor drains for completed
// response headers, one per submitted job.
func (p *Pool) Responses() <-chan ResponseEnvelope {
	return p.responses
}

// CodeStarts is the channel the worker's reactor drains to arm each
// token's handler-execution timeout.
func (p *Pool) CodeStarts() <-chan CodeStart {
	return p.codeStarts
}

func (p *Pool) runHandler(recv *workqReceiver) {
	for job := range recv.C() {
		p.codeStarts <- CodeStart{Token: job.Token, At: timeNow()}

		var header httpwire.ResponseHeader
		start := func(status int, headers httpwire.Headers) {
			header = httpwire.ResponseHeader{Code: status, Headers: headers}
		}

		iter, err := invoke(p.app, job.Request, start)

		body := make(chan BodyChunk, 1)
		if err != nil {
			var detail string
			header, detail = httpwire.InternalErrorHeader(err.Error(), p.returnStacktrace)
			go func() {
				if detail != "" {
					body <- BodyChunk{Data: []byte(detail)}
				}
				close(body)
			}()
		} else {
			go streamBody(iter, body)
		}

		p.responses <- ResponseEnvelope{Token: job.Token, Header: header, Body: body}
	}
}

// invoke runs the application, converting a panic into the same 500
// outcome spec.md §4.6 describes for a raised exception: "the core
// treats exceptions as a 500 outcome".
func invoke(app Application, req *httpwire.Request, start StartResponse) (iter BytesIter, err error) {
	defer func() {
		if r := recover(); r != nil {
			iter = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return app.Handle(req, start)
}

func streamBody(iter BytesIter, out chan<- BodyChunk) {
	defer close(out)
	for {
		chunk, err := iter.Next()
		if len(chunk) > 0 {
			out <- BodyChunk{Data: chunk}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				out <- BodyChunk{Err: err}
			}
			return
		}
	}
}

// timeNow is a seam so tests can fake the clock deterministically if
// ever needed; production always uses the real time.
var timeNow = time.Now

// workqReceiver aliases the concrete receiver type Pool hands to each
// handler goroutine.
type workqReceiver = workq.Receiver[Job]
