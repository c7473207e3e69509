// Package originclient implements the offload server's Origin Client
// (spec §4.4): a minimal HTTP/1.1 client that issues HEAD and GET requests
// to the base server with a single activity-deadline timeout, bypassing
// the origin's own offload redirection via X-Mod-Offload-Bypass.
//
// Ported directly from original_source/nph-offload.c's doHttp()/
// readHeaders()/doWrite(): that code opens a raw TCP socket, writes the
// request line and headers with a per-write select() deadline, and reads
// the response headers one byte at a time so it never reads past the
// blank line into body bytes it hasn't been asked for yet. This package
// keeps that exact response-header-framing discipline (net.Conn with
// SetDeadline stands in for select()+read(fd,...,1)) rather than handing
// the connection to net/http's client, which buffers ahead and would
// require either discarding or re-injecting already-buffered body bytes
// before GET can hand the raw socket off to the CachingWorker.
package originclient

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/icculus/nph-offload/headermap"
)

// Client issues HEAD/GET requests against exactly one origin host, per
// spec §1's "one instance serves one origin".
type Client struct {
	// Host is GBASESERVER.
	Host string
	// Port is GBASESERVERPORT (spec §6 default 80).
	Port int
	// Timeout is GTIMEOUT, the activity-deadline applied to connect, the
	// request write, and the status-line/header read. For a GET, the
	// same deadline also governs the body: dial sets it once for the
	// connect and header read above, and streamer.Manager then refreshes
	// it on the returned connection before every body chunk, so Timeout
	// bounds idle gaps rather than the whole transfer's duration.
	Timeout time.Duration
	// UserAgent identifies this server in the outbound User-Agent header
	// (GSERVERSTRING in the original).
	UserAgent string
	// Dial, if set, overrides net.Dial("tcp", ...) — used by tests to
	// point the client at an httptest.Server listener.
	Dial func(network, address string) (net.Conn, error)
}

// Response is a parsed HTTP response's status line and headers.
type Response struct {
	// StatusCode is the numeric status from the response line.
	StatusCode int
	// StatusLine is the full status-line text after "HTTP/1.1 ", e.g.
	// "404 Not Found" — used verbatim when forwarding a non-200 HEAD
	// response to the client (spec §4.8).
	StatusLine string
	// Header holds every other response header, in the order received.
	Header *headermap.Map
}

func (c *Client) addr() string {
	port := c.Port
	if port == 0 {
		port = 80
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Client) dial() (net.Conn, error) {
	dial := c.Dial
	if dial == nil {
		dial = func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, c.Timeout)
		}
	}
	conn, err := dial("tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("originclient: dial %s: %w", c.addr(), err)
	}
	if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	return conn, nil
}

func (c *Client) writeRequest(conn net.Conn, method, uri string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, uri)
	fmt.Fprintf(&b, "Host: %s\r\n", c.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", c.UserAgent)
	b.WriteString("Connection: close\r\n")
	// The origin's mod_offload companion MUST NOT re-offload a request
	// carrying this header (spec §4.4 / §6 "Bypass header").
	b.WriteString("X-Mod-Offload-Bypass: true\r\n")
	b.WriteString("\r\n")
	if _, err := conn.Write(b.Bytes()); err != nil {
		return fmt.Errorf("originclient: write request: %w", err)
	}
	return nil
}

// readHeaders reads exactly the status line and header block, stopping at
// the first blank line, without consuming any body bytes — mirroring
// readHeaders() in nph-offload.c, which deliberately reads one byte at a
// time for the same reason.
func readHeaders(conn net.Conn) (*Response, error) {
	r := &byteReader{conn: conn}
	res := &Response{Header: headermap.New()}

	var line string
	for line == "" {
		var err error
		line, err = readLine(r)
		if err != nil {
			return nil, fmt.Errorf("originclient: reading status line: %w", err)
		}
	}
	res.StatusLine = line
	if code, ok := parseStatusCode(line); ok {
		res.StatusCode = code
		if sp := strings.IndexByte(line, ' '); sp >= 0 {
			res.StatusLine = strings.TrimSpace(line[sp+1:])
		}
	} else {
		return nil, fmt.Errorf("originclient: malformed status line %q", line)
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("originclient: reading headers: %w", err)
		}
		if line == "" {
			return res, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("originclient: malformed header line %q", line)
		}
		res.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// parseStatusCode extracts the numeric response code from a status line,
// per spec §4.4: "the first non-empty line is the status line; its
// second whitespace-delimited token is the numeric response code."
func parseStatusCode(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// Head issues a HEAD request and returns the parsed response. The
// connection is always closed before Head returns.
func (c *Client) Head(uri string) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.writeRequest(conn, "HEAD", uri); err != nil {
		return nil, err
	}
	return readHeaders(conn)
}

// Get issues a GET request and returns the parsed response headers along
// with the still-open connection, positioned at the first body byte. The
// caller owns the connection and must close it.
func (c *Client) Get(uri string) (*Response, net.Conn, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, nil, err
	}

	if err := c.writeRequest(conn, "GET", uri); err != nil {
		conn.Close()
		return nil, nil, err
	}
	res, err := readHeaders(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return res, conn, nil
}

// byteReader wraps a net.Conn to support the single-byte-at-a-time reads
// readHeaders needs without pulling in bufio.Reader's internal buffering,
// which would read ahead into the body.
type byteReader struct {
	conn net.Conn
	buf  [1]byte
}

func (r *byteReader) readByte() (byte, error) {
	if _, err := r.conn.Read(r.buf[:]); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

// readLine reads up to the next "\n", tolerating a preceding "\r", and
// returns the line without its terminator. This is the Go equivalent of
// nph-offload.c's readHeaders() inner loop, which special-cases '\r' as
// ignorable and treats '\n' as the line terminator.
func readLine(r *byteReader) (string, error) {
	var line bytes.Buffer
	for {
		b, err := r.readByte()
		if err != nil {
			return "", err
		}
		if b == '\r' {
			continue
		}
		if b == '\n' {
			return line.String(), nil
		}
		line.WriteByte(b)
	}
}
