// Package countdb replays requests against a CountDB server: each request
// is sent as a NUL-terminated "json <payload>" command over one TCP
// connection per session.
package countdb

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/protocol"
)

func init() {
	protocol.Register("countdb", New)
}

// Adapter is one CountDB replay session.
type Adapter struct {
	cfg      config.Config
	sink     domain.StatsSink
	addr     string
	conn     net.Conn
	recvSize int
}

// New builds a CountDB adapter from config.
func New(cfg config.Config, sink domain.StatsSink) (domain.Adapter, error) {
	recvSize := cfg.CountDBRecvSize
	if recvSize <= 0 {
		recvSize = 1024
	}
	return &Adapter{
		cfg:      cfg,
		sink:     sink,
		addr:     net.JoinHostPort(cfg.CountDBHost, strconv.Itoa(cfg.CountDBPort)),
		recvSize: recvSize,
	}, nil
}

// StartJob opens the session's connection.
func (a *Adapter) StartJob(string) {
	conn, err := net.DialTimeout("tcp", a.addr, a.cfg.CountDBTimeout)
	if err != nil {
		a.sink.Error(fmt.Sprintf("error while connecting: %v", err))
		a.conn = nil
		return
	}
	a.conn = conn
}

// SendRequest sends one command and waits for a single response chunk.
func (a *Adapter) SendRequest(request []byte) bool {
	if a.conn == nil {
		return false
	}
	if a.cfg.CountDBTimeout > 0 {
		_ = a.conn.SetDeadline(time.Now().Add(a.cfg.CountDBTimeout))
	}
	payload := append([]byte("json "), request...)
	payload = append(payload, 0)
	if _, err := a.conn.Write(payload); err != nil {
		a.sink.Error(fmt.Sprintf("error while sending request and reading response: %v", err))
		return false
	}
	buf := make([]byte, a.recvSize)
	if _, err := a.conn.Read(buf); err != nil {
		a.sink.Error(fmt.Sprintf("error while sending request and reading response: %v", err))
		return false
	}
	return true
}

// FinishJob closes the session's connection.
func (a *Adapter) FinishJob(string) {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
