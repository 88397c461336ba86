package httpwire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRequestOriginForm(t *testing.T) {
	raw := "GET /widgets?id=9 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Accept: text/plain\r\n" +
		"\r\n"

	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Method != MethodGet {
		t.Fatalf("method = %q, want GET", req.Method)
	}
	if req.URL.Host != "example.com" || req.URL.Path != "/widgets" {
		t.Fatalf("URL = %+v", req.URL)
	}
	if !req.KeepAlive {
		t.Fatal("expected KeepAlive true by default")
	}
	if v, ok := req.Headers.Get("accept"); !ok || v != "text/plain" {
		t.Fatalf("Headers.Get case-insensitive lookup failed: %q %v", v, ok)
	}
}

func TestParseRequestAbsoluteForm(t *testing.T) {
	raw := "GET http://example.com/widgets HTTP/1.1\r\n\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.URL.Host != "example.com" || req.URL.Path != "/widgets" {
		t.Fatalf("URL = %+v", req.URL)
	}
}

func TestParseRequestMissingHostIsError(t *testing.T) {
	raw := "GET /widgets HTTP/1.1\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for origin-form request with no Host header")
	}
}

func TestParseRequestBodyAndConnectionClose(t *testing.T) {
	raw := "POST /widgets HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Content-Length: 5\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"howdy"

	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if string(req.Body) != "howdy" {
		t.Fatalf("Body = %q", req.Body)
	}
	if req.KeepAlive {
		t.Fatal("expected KeepAlive false after Connection: close")
	}
}

func TestParseRequestUnknownMethodIsError(t *testing.T) {
	raw := "FROB /widgets HTTP/1.1\r\nHost: example.com\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for unrecognized method")
	}
}

func TestParseRequestBadContentLengthIsError(t *testing.T) {
	raw := "POST /widgets HTTP/1.1\r\nHost: example.com\r\nContent-Length: nope\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for non-integer Content-Length")
	}
}

func TestParseRequestCleanCloseBeforeAnyBytes(t *testing.T) {
	_, err := ParseRequest(bufio.NewReader(strings.NewReader("")))
	if err != ErrConnectionClosed {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestParseRequestKeepAliveAcrossRounds(t *testing.T) {
	raw := "GET /one HTTP/1.1\r\nHost: example.com\r\n\r\n" +
		"GET /two HTTP/1.1\r\nHost: example.com\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	first, err := ParseRequest(br)
	if err != nil {
		t.Fatalf("first ParseRequest: %v", err)
	}
	if first.URL.Path != "/one" {
		t.Fatalf("first path = %q", first.URL.Path)
	}

	second, err := ParseRequest(br)
	if err != nil {
		t.Fatalf("second ParseRequest: %v", err)
	}
	if second.URL.Path != "/two" {
		t.Fatalf("second path = %q", second.URL.Path)
	}
}

func TestTraceparentValid(t *testing.T) {
	header := "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01"
	ctx, ok := contextFromTraceparent(header)
	if !ok {
		t.Fatal("expected valid traceparent to parse")
	}
	if ctx.TraceID != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("TraceID = %q", ctx.TraceID)
	}
	if ctx.ParentID != "0123456789abcdef" {
		t.Fatalf("ParentID = %q", ctx.ParentID)
	}
	if ctx.SpanID == "" {
		t.Fatal("expected a freshly generated SpanID")
	}
}

func TestTraceparentMalformedFallsBack(t *testing.T) {
	if _, ok := contextFromTraceparent("not-a-traceparent"); ok {
		t.Fatal("expected malformed traceparent to be rejected")
	}
}

func TestWriteResponseHeaderFraming(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	ctx := Context{TraceID: "abc123"}

	header := ResponseHeader{Code: 200, Headers: Headers{{Name: "Content-Type", Value: "text/plain"}}}
	if err := WriteResponseHeader(w, header, ctx, true); err != nil {
		t.Fatalf("WriteResponseHeader: %v", err)
	}
	w.Flush()

	out := buf.String()
	for _, want := range []string{
		"HTTP/1.1 200 OK\r\n",
		"Content-Type: text/plain\r\n",
		"Connection: Keep-Alive\r\n",
		"X-TraceId: abc123\r\n",
		"Server: Casket\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("response header missing %q, got:\n%s", want, out)
		}
	}
}

func TestCannedResponses(t *testing.T) {
	cases := []struct {
		name string
		fn   func(*bufio.Writer, Context) error
		code string
	}{
		{"timeout", Timeout, "408"},
		{"busy", ServiceBusy, "503"},
		{"gateway", GatewayTimeout, "504"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			if err := tc.fn(w, Context{TraceID: "t"}); err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if !strings.Contains(buf.String(), "HTTP/1.1 "+tc.code) {
				t.Fatalf("%s: missing status line %s, got:\n%s", tc.name, tc.code, buf.String())
			}
		})
	}
}

func TestInternalErrorHidesDetailByDefault(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := InternalError(w, Context{TraceID: "t"}, "panic: boom", false); err != nil {
		t.Fatalf("InternalError: %v", err)
	}
	if strings.Contains(buf.String(), "boom") {
		t.Fatal("expected detail to be hidden when includeDetail is false")
	}
}

func TestInternalErrorIncludesDetailWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := InternalError(w, Context{TraceID: "t"}, "panic: boom", true); err != nil {
		t.Fatalf("InternalError: %v", err)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatal("expected detail to be included when includeDetail is true")
	}
}
