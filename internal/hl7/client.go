package hl7

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Ack is a downstream acknowledgment read back after a delivery.
type Ack struct {
	Code      string
	ControlID string // MSA-2, the control id being acknowledged
	Text      string
}

// MLLPClient delivers framed messages, opening a new connection for every
// delivery.
type MLLPClient struct {
	timeout  time.Duration
	awaitAck bool
}

func NewMLLPClient(timeout time.Duration, awaitAck bool) *MLLPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MLLPClient{
		timeout:  timeout,
		awaitAck: awaitAck,
	}
}

// Deliver sends already-framed bytes to host:port and closes the connection.
// Resolution, dial and write failures come back as *ConnectError. A missing
// or unreadable acknowledgment is only logged; the returned Ack is then nil.
func (c *MLLPClient) Deliver(ctx context.Context, host string, port int, framed []byte) (*Ack, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		op := "dial"
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			op = "resolve"
		}
		return nil, &ConnectError{Addr: addr, Op: op, Err: err}
	}
	defer conn.Close()

	slog.Debug("Connected to downstream", "address", addr)

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(framed); err != nil {
		return nil, &ConnectError{Addr: addr, Op: "write", Err: err}
	}

	slog.Debug("HL7 message sent", "address", addr, "size", len(framed))

	if !c.awaitAck {
		return nil, nil
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	payload, err := NewFrameReader(conn).ReadFrame()
	if err != nil {
		slog.Warn("No acknowledgment from downstream", "address", addr, "error", err)
		return nil, nil
	}

	ack := parseAck(payload)
	if ack.Code != AckAccept && ack.Code != "CA" {
		slog.Warn("Negative acknowledgment from downstream",
			"address", addr,
			"ackCode", ack.Code,
			"text", ack.Text)
	} else {
		slog.Info("Downstream acknowledged delivery",
			"address", addr,
			"ackCode", ack.Code,
			"messageControlID", ack.ControlID)
	}
	return ack, nil
}

// SendMessage renders, terminates and frames msg, then delivers it.
func (c *MLLPClient) SendMessage(ctx context.Context, host string, port int, msg *Message) (*Ack, error) {
	return c.Deliver(ctx, host, port, Encode(Terminate([]byte(msg.Render()))))
}

// parseAck reads MSA from an acknowledgment. Peers that send something we
// cannot fully parse still get their MSA segment read line by line.
func parseAck(payload []byte) *Ack {
	if msg, err := Parse(string(payload)); err == nil {
		if msa := msg.Segment("MSA"); msa != nil {
			return &Ack{
				Code:      msa.Field(1).Value(),
				ControlID: msa.Field(2).Value(),
				Text:      msa.Field(3).Value(),
			}
		}
	}

	lines := bytes.FieldsFunc(payload, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		if bytes.HasPrefix(line, []byte("MSA")) && len(line) > 3 {
			fields := bytes.Split(line, line[3:4])
			ack := &Ack{}
			if len(fields) > 1 {
				ack.Code = string(fields[1])
			}
			if len(fields) > 2 {
				ack.ControlID = string(fields[2])
			}
			if len(fields) > 3 {
				ack.Text = string(fields[3])
			}
			return ack
		}
	}
	return &Ack{}
}

// Ping checks that host:port accepts TCP connections.
func (c *MLLPClient) Ping(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectError{Addr: addr, Op: "dial", Err: err}
	}
	return conn.Close()
}
