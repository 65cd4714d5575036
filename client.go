package mailcrab

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/mailcrab/mailcrab/log"
)

// we need to adjust the limit, so we embed io.LimitedReader
type adjustableLimitedReader struct {
	R *io.LimitedReader
}

func (alr *adjustableLimitedReader) setLimit(n int64) {
	alr.R.N = n
}

// Read returns a specific error when the limit is reached, so it can be
// told apart from an EOF of the underlying reader
func (alr *adjustableLimitedReader) Read(p []byte) (n int, err error) {
	n, err = alr.R.Read(p)
	if err == io.EOF && alr.R.N <= 0 {
		err = ErrLineLimitExceeded
	}
	return
}

func newAdjustableLimitedReader(r io.Reader, n int64) *adjustableLimitedReader {
	lr := &io.LimitedReader{R: r, N: n}
	return &adjustableLimitedReader{lr}
}

// smtpBufferedReader is a bufio.Reader fed through an adjustable limited
// reader, so a client can never grow a command line or a message past the
// current limit, no matter how it streams bytes
type smtpBufferedReader struct {
	*bufio.Reader
	alr *adjustableLimitedReader
}

func (sbr *smtpBufferedReader) setLimit(n int64) {
	sbr.alr.setLimit(n)
}

// Reset rewires the reader to a new source, eg. after a TLS upgrade
func (sbr *smtpBufferedReader) Reset(r io.Reader) {
	sbr.alr = newAdjustableLimitedReader(r, CommandLineMaxLength+2)
	sbr.Reader.Reset(sbr.alr)
}

func newSMTPBufferedReader(rd io.Reader) *smtpBufferedReader {
	alr := newAdjustableLimitedReader(rd, CommandLineMaxLength+2)
	return &smtpBufferedReader{bufio.NewReader(alr), alr}
}

// ClientState indicates which part of the SMTP transaction a given client is in.
type ClientState int

const (
	// The client has connected, and is awaiting our first response
	ClientGreeting ClientState = iota
	// We have responded to the client's connection and are awaiting a command
	ClientCmd
	// We have received the sender and recipient information
	ClientData
	// We have agreed with the client to secure the connection over TLS
	ClientStartTLS
	// Server will shutdown, client to shutdown on next command turn
	ClientShutdown
)

type client struct {
	ID            uint64
	ConnectedAt   time.Time
	KilledAt      time.Time
	RemoteAddress string
	// Number of unrecognized commands received during the session
	errors int
	state  ClientState
	// how many messages this session queued successfully
	messagesSent int
	// the argument of HELO/EHLO
	Helo string
	// envelope data of the current transaction
	MailFrom string
	// NullPath is set when MAIL FROM:<> was accepted (a bounce sender)
	NullPath bool
	RcptTo   []string
	// TLS is true once the connection was upgraded
	TLS bool
	// response to be written to the client on the next turn
	response   string
	conn       net.Conn
	bufin      *smtpBufferedReader
	bufout     *bufio.Writer
	smtpReader *textproto.Reader
	// guards access to conn
	connGuard sync.Mutex
	log       log.Logger
}

func newClient(conn net.Conn, clientID uint64, logger log.Logger) *client {
	c := &client{
		conn:          conn,
		RemoteAddress: getRemoteAddr(conn),
		ConnectedAt:   time.Now(),
		bufin:         newSMTPBufferedReader(conn),
		bufout:        bufio.NewWriter(conn),
		ID:            clientID,
		log:           logger,
	}
	// used for reading the DATA state
	c.smtpReader = textproto.NewReader(c.bufin.Reader)
	return c
}

// responseAdd buffers a reply line to be written on the next turn
func (c *client) responseAdd(r string) {
	c.response = c.response + r + "\r\n"
}

// resetTransaction resets the SMTP transaction, ready for the next email
// (doesn't disconnect). A transaction ends on HELO/EHLO/RSET, at the end of
// DATA and on a TLS handshake.
func (c *client) resetTransaction() {
	c.MailFrom = ""
	c.NullPath = false
	c.RcptTo = nil
}

// isInTransaction returns true once a MAIL command was accepted. The null
// reverse-path counts: MAIL FROM:<> opens a transaction with an empty sender.
func (c *client) isInTransaction() bool {
	return len(c.MailFrom) > 0 || c.NullPath
}

// kill flags the connection to close on the next turn
func (c *client) kill() {
	c.KilledAt = time.Now()
}

// isAlive returns false if the client is to close on the next turn
func (c *client) isAlive() bool {
	return c.KilledAt.IsZero()
}

// setTimeout adjusts the deadline on the connection, goroutine safe.
// A zero duration clears the deadline.
func (c *client) setTimeout(t time.Duration) (err error) {
	defer c.connGuard.Unlock()
	c.connGuard.Lock()
	if c.conn != nil {
		if t > 0 {
			err = c.conn.SetDeadline(time.Now().Add(t))
		} else {
			err = c.conn.SetDeadline(time.Time{})
		}
	}
	return
}

// closeConn closes a client connection, goroutine safe
func (c *client) closeConn() {
	defer c.connGuard.Unlock()
	c.connGuard.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// upgradeToTLS upgrades the client connection to TLS
func (c *client) upgradeToTLS(tlsConfig *tls.Config) error {
	tlsConn := tls.Server(c.conn, tlsConfig)
	// handshake here to surface errors before reading starts
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = net.Conn(tlsConn)
	c.bufout.Reset(c.conn)
	c.bufin.Reset(c.conn)
	c.smtpReader = textproto.NewReader(c.bufin.Reader)
	c.TLS = true
	return nil
}

func getRemoteAddr(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		// we just want the IP (not the port)
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}
