package sms

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// sendsms is Kannel's submit CGI: one GET per destination, any 2xx
// status means the gateway accepted the message.
const (
	sendPath        = "/cgi-bin/sendsms"
	defaultSenderID = "MobilIVR"
)

// Sender submits outbound messages through a gateway. The connection
// details come from a claimed sms resource tuple.
type Sender struct {
	host     string
	port     int
	username string
	password string
	client   *http.Client
	log      *slog.Logger
}

// NewSender creates a sender for the gateway at host:port.
func NewSender(host string, port int, username, password string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger.With("component", "sms"),
	}
}

// Send delivers message to every destination in turn and reports
// per-destination success. Gateway rejections and network failures mark
// that destination false without aborting the rest; the error return is
// only ever the context's.
func (s *Sender) Send(ctx context.Context, message string, destinations ...string) ([]bool, error) {
	results := make([]bool, 0, len(destinations))
	for _, dest := range destinations {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.sendOne(ctx, message, dest))
	}
	return results, nil
}

func (s *Sender) sendOne(ctx context.Context, message, dest string) bool {
	query := url.Values{
		"username": {s.username},
		"password": {s.password},
		"from":     {defaultSenderID},
		"to":       {dest},
		"text":     {message},
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Path:     sendPath,
		RawQuery: query.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		s.log.Warn("building sendsms request", "destination", dest, "error", err)
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("sms gateway unreachable", "destination", dest, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("sms gateway rejected message", "destination", dest, "status", resp.StatusCode)
		return false
	}
	s.log.Debug("sms sent", "destination", dest)
	return true
}
