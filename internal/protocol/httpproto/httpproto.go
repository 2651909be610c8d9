// Package httpproto replays raw captured HTTP requests over a keep-alive
// TCP connection, without pipelining. The captured bytes are written as-is
// and the response is parsed and drained.
//
// The host "dummy" skips the network entirely and behaves as if every
// request got a 200, which is useful for exercising the pipeline.
package httpproto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/protocol"
)

func init() {
	protocol.Register("http", New)
}

var contentLengthRE = regexp.MustCompile(`(?is)content-length:\s+([0-9]+)(?:\r\n|$)`)

// keepAliveSpeedupFloor is the speedup below which keep-alive is disabled:
// a heavily slowed replay leaves the server bored between requests and it
// drops the connection anyway.
const keepAliveSpeedupFloor = 0.8

// Adapter is one HTTP replay connection.
type Adapter struct {
	cfg  config.Config
	sink domain.StatsSink

	addr  string
	dummy bool
	conn  net.Conn
	br    *bufio.Reader
}

// New builds an HTTP adapter from config.
func New(cfg config.Config, sink domain.StatsSink) (domain.Adapter, error) {
	a := &Adapter{cfg: cfg, sink: sink}
	if cfg.HTTPHost == "dummy" {
		a.dummy = true
		return a, nil
	}
	a.addr = net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	return a, nil
}

func (a *Adapter) connect() {
	conn, err := net.DialTimeout("tcp", a.addr, a.cfg.HTTPTimeout)
	if err != nil {
		a.sink.Error(fmt.Sprintf("error while connecting: %v", err))
		a.conn = nil
		a.br = nil
		return
	}
	a.conn = conn
	a.br = bufio.NewReader(conn)
}

func (a *Adapter) disconnect() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn = nil
	a.br = nil
}

// StartJob opens the session's connection.
func (a *Adapter) StartJob(string) {
	if a.dummy {
		return
	}
	a.connect()
}

// SendRequest writes one captured request and drains the response.
// Transport errors are reported and the connection is dropped, but the
// session keeps going: the next request reconnects.
func (a *Adapter) SendRequest(request []byte) bool {
	if a.dummy {
		a.sink.Tally("200")
		return true
	}

	// Sanity check: a request advertising more body bytes than it carries
	// would only stall the server into a 504. Report and skip it.
	if head, body, found := bytes.Cut(request, []byte("\r\n\r\n")); found {
		if m := contentLengthRE.FindSubmatch(head); m != nil {
			want, err := strconv.Atoi(string(m[1]))
			if err == nil && len(body) < want {
				a.sink.Error("request body of incorrect size")
				return true
			}
		}
	}

	if a.conn == nil {
		a.connect()
	}
	if a.conn == nil {
		return true
	}

	if a.cfg.HTTPTimeout > 0 {
		_ = a.conn.SetDeadline(timeNowAdd(a.cfg))
	}
	if _, err := a.conn.Write(request); err != nil {
		a.sink.Error(fmt.Sprintf("error while sending request: %v", err))
		a.disconnect()
		return true
	}

	resp, err := http.ReadResponse(a.br, nil)
	if err != nil {
		a.sink.Error(fmt.Sprintf("error while reading response: %v", err))
		a.disconnect()
		return true
	}
	a.sink.Tally(strconv.Itoa(resp.StatusCode))
	_, err = drain(resp)
	if err != nil {
		a.sink.Error(fmt.Sprintf("error while reading response body: %v", err))
		a.disconnect()
		return true
	}

	if resp.Close || a.cfg.Speedup < keepAliveSpeedupFloor {
		a.disconnect()
	}

	// Errors here do not end the session; the replay keeps trying.
	return true
}

// FinishJob drops the session's connection.
func (a *Adapter) FinishJob(string) {
	a.disconnect()
}

func timeNowAdd(cfg config.Config) time.Time {
	return time.Now().Add(cfg.HTTPTimeout)
}

func drain(resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	return io.Copy(io.Discard, resp.Body)
}
