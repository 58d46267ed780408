// Package manager implements the limited Asterisk Manager API client used
// to originate outbound calls and set dialplan variables.
package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrManagerConnect is returned when the manager endpoint cannot be
	// reached or does not speak the protocol.
	ErrManagerConnect = errors.New("could not connect to the manager api")
	// ErrLoginFailed is returned on bad credentials.
	ErrLoginFailed = errors.New("manager login failed")
	// ErrOriginateFailed is returned when the PBX refuses to start the call.
	ErrOriginateFailed = errors.New("asterisk manager call originate failed")
	// ErrSetVarFailed is returned when a variable cannot be set.
	ErrSetVarFailed = errors.New("manager setvar failed")
)

// Call describes one outbound leg to originate. When AGIHost is empty the
// local address of the manager connection is used, which is the address
// the PBX can reach our FastAGI server on.
type Call struct {
	Number    string
	Channel   string
	AGIHost   string
	AGIPort   int
	HandlerID string
}

// Client talks to one Asterisk Manager endpoint. Every operation runs a
// full login/command/logoff session on its own connection.
type Client struct {
	host     string
	port     int
	username string
	secret   string
	log      *slog.Logger
}

// NewClient returns a client for the given manager endpoint.
func NewClient(host string, port int, username, secret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		host:     host,
		port:     port,
		username: username,
		secret:   secret,
		log:      logger.With("component", "manager"),
	}
}

// Originate asks the PBX to start an outbound call and connect it back to
// the FastAGI server named by the call's agihost/agiport variables.
func (c *Client) Originate(ctx context.Context, call Call) error {
	return c.session(ctx, func(conn *amiConn) error {
		number := call.Number
		channel := call.Channel
		// The console channel driver takes no destination number.
		if strings.HasPrefix(channel, "Console") {
			channel = "Console"
			number = "dsp"
		}
		agiHost := call.AGIHost
		if agiHost == "" {
			if addr, ok := conn.raw.LocalAddr().(*net.TCPAddr); ok {
				agiHost = addr.IP.String()
			}
		}
		c.log.Info("originating call", "channel", channel, "number", number, "handler_id", call.HandlerID)
		block, err := conn.roundTrip([]string{
			"Action: Originate",
			fmt.Sprintf("Channel: %s/%s", channel, number),
			"Priority: 1",
			"Exten: s",
			"Context: default",
			fmt.Sprintf("CallerID: %s", number),
			fmt.Sprintf("Variable: keyword=keywords|agihost=%s|agiport=%d|ivrhandlerid=%s",
				agiHost, call.AGIPort, call.HandlerID),
			"ActionID: " + uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOriginateFailed, err)
		}
		if !responseSuccess(block) {
			return ErrOriginateFailed
		}
		return nil
	})
}

// SetVar sets a global dialplan variable.
func (c *Client) SetVar(ctx context.Context, name, value string) error {
	return c.session(ctx, func(conn *amiConn) error {
		block, err := conn.roundTrip([]string{
			"Action: Setvar",
			"Variable: " + name,
			"Value: " + value,
			"ActionID: " + uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSetVarFailed, err)
		}
		if !responseSuccess(block) {
			return ErrSetVarFailed
		}
		return nil
	})
}

// session connects, reads the banner, logs in, runs fn and logs off.
func (c *Client) session(ctx context.Context, fn func(conn *amiConn) error) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManagerConnect, err)
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	conn := &amiConn{raw: raw, r: bufio.NewReader(raw)}
	if _, err := conn.r.ReadString('\n'); err != nil {
		return fmt.Errorf("%w: reading banner: %v", ErrManagerConnect, err)
	}

	block, err := conn.roundTrip([]string{
		"Action: Login",
		"Username: " + c.username,
		"Secret: " + c.secret,
		"ActionID: " + uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if !responseSuccess(block) {
		return ErrLoginFailed
	}

	if err := fn(conn); err != nil {
		return err
	}

	// Logoff is fire-and-forget; the PBX replies with a goodbye we do not
	// need to wait for.
	conn.write([]string{"Action: Logoff", "ActionID: " + uuid.NewString()})
	return nil
}

type amiConn struct {
	raw net.Conn
	r   *bufio.Reader
}

func (c *amiConn) write(lines []string) error {
	msg := strings.Join(lines, "\r\n") + "\r\n\r\n"
	_, err := c.raw.Write([]byte(msg))
	return err
}

// roundTrip sends one command block and reads the reply up to its blank
// line terminator.
func (c *amiConn) roundTrip(lines []string) (string, error) {
	if err := c.write(lines); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		b.WriteString(line)
	}
	return b.String(), nil
}

// responseSuccess scans a reply block for a Response: Success line.
func responseSuccess(block string) bool {
	for _, line := range strings.Split(block, "\n") {
		key, value, found := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if found && key == "Response" && strings.TrimSpace(value) == "Success" {
			return true
		}
	}
	return false
}
