// Package mysqlproto replays captured SQL statements against a live MySQL
// server, one connection per session.
package mysqlproto

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/client"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/protocol"
)

func init() {
	protocol.Register("mysql", New)
}

// Adapter is one MySQL replay session.
type Adapter struct {
	cfg  config.Config
	sink domain.StatsSink
	addr string
	conn *client.Conn
}

// New builds a MySQL adapter from config.
func New(cfg config.Config, sink domain.StatsSink) (domain.Adapter, error) {
	return &Adapter{
		cfg:  cfg,
		sink: sink,
		addr: net.JoinHostPort(cfg.MySQLHost, strconv.Itoa(cfg.MySQLPort)),
	}, nil
}

// StartJob opens the session's connection. A connect failure is reported
// through the sink; subsequent requests then fail fast.
func (a *Adapter) StartJob(string) {
	conn, err := client.Connect(a.addr, a.cfg.MySQLUser, a.cfg.MySQLPassword, a.cfg.MySQLDB)
	if err != nil {
		a.sink.Error(fmt.Sprintf("error while connecting: %v", err))
		a.conn = nil
		return
	}
	a.conn = conn
}

// SendRequest executes one captured statement, discarding the result set.
func (a *Adapter) SendRequest(request []byte) bool {
	if a.conn == nil {
		return false
	}
	sql := strings.TrimSpace(string(request))
	if sql == "" {
		return true
	}
	result, err := a.conn.Execute(sql)
	if err != nil {
		a.sink.Error(err.Error())
		return false
	}
	result.Close()
	return true
}

// FinishJob closes the session's connection.
func (a *Adapter) FinishJob(string) {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
