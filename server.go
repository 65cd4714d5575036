package mailcrab

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/mail"
	"github.com/mailcrab/mailcrab/queue"
	"github.com/mailcrab/mailcrab/response"
)

const (
	CommandVerbMaxLength = 16
	CommandLineMaxLength = 1024
	// Number of allowed unrecognized commands before we terminate the connection
	MaxUnrecognizedCommands = 5
	// Hard cap on the size of a single message
	MaxMessageBytes = 25 * 1024 * 1024
	// an idle session is cut after this long without a command
	commandTimeout = 5 * time.Minute
	// reading DATA gets a longer allowance for large messages
	dataTimeout = 10 * time.Minute
)

const (
	// server has just been created
	ServerStateNew = iota
	// Server has just been stopped
	ServerStateStopped
	// Server has been started and is running
	ServerStateRunning
	// Server could not start due to an error
	ServerStateStartError
)

var ErrLineLimitExceeded = errors.New("maximum line length exceeded")

// Server listens for SMTP clients and feeds accepted messages into the
// broadcast queue
type Server struct {
	addr        string
	tlsMode     TLSMode
	authEnabled bool
	tlsConfig   *tls.Config

	publisher *queue.Broadcaster
	parser    *mail.Parser
	logger    log.Logger

	listener       net.Listener
	closedListener chan bool
	wg             sync.WaitGroup
	shuttingDown   atomic.Bool
	state          int

	clients struct {
		m  map[uint64]*client
		mu sync.Mutex
	}
}

// NewServer creates a ready-to-run SMTP server. In a TLS mode the
// certificate material is acquired up front; a failure there is fatal.
func NewServer(cfg *Config, publisher *queue.Broadcaster, logger log.Logger) (*Server, error) {
	s := &Server{
		addr:           cfg.SMTPAddr(),
		tlsMode:        cfg.TLSMode,
		authEnabled:    cfg.AuthEnabled,
		publisher:      publisher,
		parser:         mail.NewParser(logger),
		logger:         logger,
		closedListener: make(chan bool, 1),
		state:          ServerStateNew,
	}
	s.clients.m = make(map[uint64]*client)
	if cfg.TLSMode != TLSModeNone {
		tlsConfig, err := loadOrCreateTLSConfig(ServerName, logger)
		if err != nil {
			s.state = ServerStateStartError
			return nil, fmt.Errorf("could not configure TLS: %w", err)
		}
		s.tlsConfig = tlsConfig
	}
	return s, nil
}

// Start begins accepting SMTP clients. Blocks unless there is an error or
// Shutdown() is called. startWG is released once the listener is bound.
func (s *Server) Start(startWG *sync.WaitGroup) error {
	var clientID uint64

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		startWG.Done() // don't wait for me
		s.state = ServerStateStartError
		return fmt.Errorf("[%s] cannot listen on port: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Infof("SMTP server listening on TCP %s (tls mode: %s)", s.addr, s.tlsMode)
	s.state = ServerStateRunning
	startWG.Done() // start successful, don't wait for me

	for {
		conn, err := listener.Accept()
		clientID++
		if err != nil {
			if s.isShuttingDown() || errors.Is(err, net.ErrClosed) {
				s.logger.Infof("SMTP server [%s] has stopped accepting new clients", s.addr)
				s.state = ServerStateStopped
				s.closedListener <- true
				return nil
			}
			s.logger.WithError(err).Info("Temporary error accepting client")
			continue
		}

		c := newClient(conn, clientID, s.logger)
		s.trackClient(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackClient(c)
			defer c.closeConn()
			s.handleClient(c)
		}()
	}
}

// Shutdown stops accepting new clients and waits for in-flight sessions to
// finish their current reply, bounded by drainTimeout. Remaining
// connections are closed forcibly after the deadline.
func (s *Server) Shutdown(drainTimeout time.Duration) {
	s.shuttingDown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
		<-s.closedListener
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("Forcibly closing remaining SMTP sessions")
		s.clients.mu.Lock()
		for _, c := range s.clients.m {
			c.kill()
			c.closeConn()
		}
		s.clients.mu.Unlock()
		<-done
	}
	s.state = ServerStateStopped
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Addr reports the bound listen address, once Start has released its
// startup wait group
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) trackClient(c *client) {
	s.clients.mu.Lock()
	s.clients.m[c.ID] = c
	s.clients.mu.Unlock()
}

func (s *Server) untrackClient(c *client) {
	s.clients.mu.Lock()
	delete(s.clients.m, c.ID)
	s.clients.mu.Unlock()
}

// readCommand reads a line from the client, stripping the trailing CRLF.
// Lines longer than CommandLineMaxLength yield ErrLineLimitExceeded; the
// read budget on bufin makes sure a client streaming bytes without a
// newline hits the limit instead of growing the buffer.
func (s *Server) readCommand(c *client) (string, error) {
	c.bufin.setLimit(CommandLineMaxLength + 2)
	var input, line string
	var err error
	for {
		line, err = c.bufin.ReadString('\n')
		input = input + line
		if err != nil {
			break
		}
		if strings.HasSuffix(input, "\r\n") {
			input = input[:len(input)-2]
			break
		}
		// tolerate a bare LF line ending
		if strings.HasSuffix(input, "\n") {
			input = input[:len(input)-1]
			break
		}
	}
	if len(input) > CommandLineMaxLength {
		return input, ErrLineLimitExceeded
	}
	return input, err
}

// writeResponse flushes the buffered reply to the client
func (s *Server) writeResponse(c *client) error {
	if _, err := c.bufout.WriteString(c.response); err != nil {
		return err
	}
	if err := c.bufout.Flush(); err != nil {
		return err
	}
	c.response = ""
	return nil
}

// handleClient drives an entire SMTP exchange
func (s *Server) handleClient(c *client) {
	s.logger.WithConn(c.conn).Debugf("Handle client [%s], id: %d", c.RemoteAddress, c.ID)

	// in wrapped mode the handshake happens before the 220 banner
	if s.tlsMode == TLSModeWrapped {
		if err := c.upgradeToTLS(s.tlsConfig); err != nil {
			s.logger.WithError(err).Warnf("TLS handshake failed: %s", c.RemoteAddress)
			return
		}
	}

	greeting := fmt.Sprintf("220 %s ESMTP MailCrab(%s) service ready", ServerName, Version)
	helo := fmt.Sprintf("250 %s Hello", ServerName)

	for c.isAlive() {
		switch c.state {
		case ClientGreeting:
			c.responseAdd(greeting)
			c.state = ClientCmd

		case ClientCmd:
			if err := c.setTimeout(commandTimeout); err != nil {
				return
			}
			input, err := s.readCommand(c)
			s.logger.Debugf("Client sent: %s", input)
			if err == io.EOF {
				s.logger.WithConn(c.conn).Debugf("Client closed the connection: %s", c.RemoteAddress)
				return
			} else if errors.Is(err, ErrLineLimitExceeded) {
				c.responseAdd(response.Canned.FailLineTooLong)
				c.kill()
				break
			} else if err != nil {
				s.logger.WithConn(c.conn).WithError(err).Debugf("Read error: %s", c.RemoteAddress)
				return
			}
			if s.isShuttingDown() {
				c.state = ClientShutdown
				continue
			}
			s.handleCommand(c, input, helo)

		case ClientData:
			if err := c.setTimeout(dataTimeout); err != nil {
				return
			}
			s.handleData(c)

		case ClientStartTLS:
			if !c.TLS && s.tlsMode == TLSModeStartTLS {
				if err := c.upgradeToTLS(s.tlsConfig); err != nil {
					s.logger.WithError(err).Warnf("STARTTLS handshake failed: %s", c.RemoteAddress)
					c.kill()
					break
				}
				// the client must greet again after the handshake
				c.Helo = ""
				c.resetTransaction()
			}
			c.state = ClientCmd

		case ClientShutdown:
			c.responseAdd(response.Canned.ErrorShutdown)
			c.kill()
		}

		if len(c.response) > 0 {
			if err := s.writeResponse(c); err != nil {
				s.logger.WithError(err).Debug("Error writing response")
				return
			}
		}
	}
}

// handleCommand dispatches a single verb in the ClientCmd state
func (s *Server) handleCommand(c *client, input string, helo string) {
	input = strings.Trim(input, " \r\n")
	cmdLen := len(input)
	if cmdLen > CommandVerbMaxLength {
		cmdLen = CommandVerbMaxLength
	}
	cmd := strings.ToUpper(input[:cmdLen])

	switch {
	case strings.HasPrefix(cmd, "HELO"):
		c.Helo = strings.Trim(input[4:], " ")
		c.resetTransaction()
		c.responseAdd(helo)

	case strings.HasPrefix(cmd, "EHLO"):
		c.Helo = strings.Trim(input[4:], " ")
		c.resetTransaction()
		c.responseAdd(s.ehloResponse(c))

	case strings.HasPrefix(cmd, "HELP"):
		c.responseAdd("214 OK")

	case strings.HasPrefix(cmd, "MAIL FROM:"):
		if c.isInTransaction() {
			c.responseAdd(response.Canned.FailNestedMailCmd)
			break
		}
		from, ok := extractEmail(input[10:])
		if !ok {
			c.responseAdd(response.Canned.FailSyntaxError)
			break
		}
		c.MailFrom = from
		c.NullPath = len(from) == 0
		c.responseAdd(fmt.Sprintf("250 Pleased to meet you! This is Mailcrab version %s", Version))

	case strings.HasPrefix(cmd, "RCPT TO:"):
		if !c.isInTransaction() {
			c.responseAdd(response.Canned.FailBadSequence)
			break
		}
		to, ok := extractEmail(input[8:])
		if !ok || len(to) == 0 {
			c.responseAdd(response.Canned.FailSyntaxError)
			break
		}
		// RCPT may be repeated any number of times, so store every value
		c.RcptTo = append(c.RcptTo, to)
		c.responseAdd(response.Canned.SuccessRcptCmd)

	case strings.HasPrefix(cmd, "DATA"):
		if !c.isInTransaction() {
			c.responseAdd(response.Canned.FailNoSenderDataCmd)
			break
		}
		if len(c.RcptTo) == 0 {
			c.responseAdd(response.Canned.FailNoRecipientsCmd)
			break
		}
		c.responseAdd(response.Canned.SuccessDataCmd)
		c.state = ClientData

	case strings.HasPrefix(cmd, "RSET"):
		c.resetTransaction()
		c.responseAdd(response.Canned.SuccessResetCmd)

	case strings.HasPrefix(cmd, "VRFY"):
		c.responseAdd(response.Canned.SuccessVerifyCmd)

	case strings.HasPrefix(cmd, "NOOP"):
		c.responseAdd(response.Canned.SuccessNoopCmd)

	case strings.HasPrefix(cmd, "QUIT"):
		c.responseAdd(response.Canned.SuccessQuitCmd)
		c.kill()

	case strings.HasPrefix(cmd, "STARTTLS"):
		if s.tlsMode != TLSModeStartTLS {
			c.responseAdd(response.Canned.FailTLSNotAvailable)
			break
		}
		if c.TLS {
			c.responseAdd(response.Canned.FailTLSAlreadyActive)
			break
		}
		c.responseAdd(response.Canned.SuccessStartTLSCmd)
		c.state = ClientStartTLS

	case strings.HasPrefix(cmd, "AUTH"):
		s.handleAuth(c, input)

	default:
		c.responseAdd(response.Canned.FailUnrecognizedCmd)
		c.errors++
		if c.errors > MaxUnrecognizedCommands {
			c.responseAdd(response.Canned.FailMaxUnrecognized)
			c.kill()
		}
	}
}

// ehloResponse builds the multi-line EHLO reply, advertising STARTTLS and
// AUTH only when the session can actually use them
func (s *Server) ehloResponse(c *client) string {
	ehlo := fmt.Sprintf("250-%s Hello\r\n", ServerName)
	extensions := "250-PIPELINING\r\n250-8BITMIME\r\n"
	if s.tlsMode == TLSModeStartTLS && !c.TLS {
		extensions += "250-STARTTLS\r\n"
	}
	if s.authEnabled && c.TLS {
		extensions += "250-AUTH PLAIN LOGIN\r\n"
	}
	// the last line has no continuation dash and no explicit CRLF,
	// responseAdd appends it
	return ehlo + extensions + "250 HELP"
}

// handleAuth accepts any credentials. The service is a sink for trusted
// local traffic; authentication is gated on an active TLS session so
// credentials are at least never exchanged in the clear.
func (s *Server) handleAuth(c *client, input string) {
	if !s.authEnabled || !c.TLS {
		c.responseAdd(response.Canned.FailAuthUnavailable)
		return
	}
	fields := strings.Fields(input)
	if len(fields) < 2 {
		c.responseAdd(response.Canned.FailSyntaxError)
		return
	}
	mechanism := strings.ToUpper(fields[1])

	switch mechanism {
	case "PLAIN":
		if len(fields) < 3 {
			// no initial response, prompt for one
			if !s.challenge(c, "334 ") {
				return
			}
		}
		c.responseAdd(response.Canned.SuccessAuthCmd)

	case "LOGIN":
		// base64 for "Username:" and "Password:"
		if !s.challenge(c, "334 VXNlcm5hbWU6") {
			return
		}
		if !s.challenge(c, "334 UGFzc3dvcmQ6") {
			return
		}
		c.responseAdd(response.Canned.SuccessAuthCmd)

	default:
		c.responseAdd("504 5.5.4 Unrecognized authentication type")
	}
}

// challenge writes an AUTH continuation line and discards the client's
// answer. Returns false when the exchange broke down.
func (s *Server) challenge(c *client, prompt string) bool {
	c.responseAdd(prompt)
	if err := s.writeResponse(c); err != nil {
		c.kill()
		return false
	}
	if _, err := s.readCommand(c); err != nil {
		c.kill()
		return false
	}
	return true
}

// handleData reads the message body up to the terminating dot line,
// undoing dot-stuffing, then parses and publishes it
func (s *Server) handleData(c *client) {
	c.bufin.setLimit(MaxMessageBytes + 1024)
	var data bytes.Buffer
	n, err := io.Copy(&data, io.LimitReader(c.smtpReader.DotReader(), MaxMessageBytes+1))
	if err != nil {
		s.logger.WithError(err).Warn("Error reading data")
		c.responseAdd(response.Canned.FailReadErrorDataCmd + err.Error())
		c.kill()
		return
	}
	if n > MaxMessageBytes {
		c.responseAdd(fmt.Sprintf("550 5.3.4 Maximum message size exceeded (%d)", MaxMessageBytes))
		c.kill()
		return
	}

	// DotReader normalizes line endings to LF; restore CRLF so the raw
	// copy matches the bytes as they arrived on the wire
	raw := bytes.ReplaceAll(data.Bytes(), []byte("\n"), []byte("\r\n"))
	s.queueMessage(c, raw)
	c.resetTransaction()
	c.state = ClientCmd
	if s.isShuttingDown() {
		c.state = ClientShutdown
	}
}

// queueMessage turns the accumulated bytes into a Message, stamps the
// envelope and publishes it on the broadcast queue
func (s *Server) queueMessage(c *client, raw []byte) {
	m, err := s.parser.Parse(raw)
	if err != nil {
		s.logger.WithError(err).Error("Failed to parse message")
		c.responseAdd(response.Canned.FailParseError)
		return
	}
	m.EnvelopeFrom = c.MailFrom
	m.EnvelopeRecipients = append([]string{}, c.RcptTo...)

	s.logger.Infof("Incoming message from %s to %v", m.EnvelopeFrom, m.EnvelopeRecipients)

	if err := s.publisher.Publish(*m); err != nil {
		s.logger.WithError(err).Error("Failed to queue message")
		c.responseAdd("500 Error queueing message")
		return
	}
	c.messagesSent++
	c.responseAdd(fmt.Sprintf("250 2.0.0 Ok: queued as %s", m.ID))
}
