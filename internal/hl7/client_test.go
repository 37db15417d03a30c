package hl7

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// downstream accepts one connection, hands the received payload to got and
// replies with reply when it is non-empty.
func downstream(t *testing.T, reply string) (host string, port int, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		payload, err := NewFrameReader(conn).ReadFrame()
		if err != nil {
			return
		}
		ch <- string(payload)
		if reply != "" {
			conn.Write(Encode([]byte(reply)))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, ch
}

func TestClient_DeliverReadsAck(t *testing.T) {
	host, port, got := downstream(t, "MSH|^~\\&|EHR|HOSP|||20240101||ACK^A04^ACK|R1|P|2.4\rMSA|AA|MSG001")
	client := NewMLLPClient(2*time.Second, true)

	ack, err := client.Deliver(context.Background(), host, port, Encode([]byte(sampleADT+"\r")))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, AckAccept, ack.Code)
	assert.Equal(t, "MSG001", ack.ControlID)

	assert.Equal(t, sampleADT+"\r", <-got)
}

func TestClient_SendMessage(t *testing.T) {
	host, port, got := downstream(t, "MSH|^~\\&|EHR|HOSP|||20240101||ACK|R1|P|2.4\rMSA|AE|MSG001|rejected")
	client := NewMLLPClient(2*time.Second, true)

	msg, err := Parse(sampleADT)
	require.NoError(t, err)
	ack, err := client.SendMessage(context.Background(), host, port, msg)
	require.NoError(t, err)
	assert.Equal(t, AckError, ack.Code)
	assert.Equal(t, "rejected", ack.Text)

	payload := <-got
	assert.Equal(t, sampleADT+"\r", payload)
}

func TestClient_MissingAckIsNotAnError(t *testing.T) {
	host, port, _ := downstream(t, "")
	client := NewMLLPClient(200*time.Millisecond, true)

	ack, err := client.Deliver(context.Background(), host, port, Encode([]byte(sampleADT)))
	assert.NoError(t, err)
	assert.Nil(t, ack)
}

func TestClient_NoAwait(t *testing.T) {
	host, port, got := downstream(t, "")
	client := NewMLLPClient(time.Second, false)

	ack, err := client.Deliver(context.Background(), host, port, Encode([]byte(sampleADT)))
	assert.NoError(t, err)
	assert.Nil(t, ack)
	assert.Equal(t, sampleADT, <-got)
}

func TestClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := NewMLLPClient(time.Second, true)
	_, err = client.Deliver(context.Background(), "127.0.0.1", port, Encode([]byte(sampleADT)))

	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "dial", cerr.Op)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), cerr.Addr)

	assert.Error(t, client.Ping(context.Background(), "127.0.0.1", port))
}

func TestClient_UnresolvableHost(t *testing.T) {
	client := NewMLLPClient(time.Second, true)
	_, err := client.Deliver(context.Background(), "no-such-host.invalid", 2576, Encode([]byte(sampleADT)))

	var cerr *ConnectError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "resolve", cerr.Op)
}

func TestParseAck_Fallback(t *testing.T) {
	ack := parseAck([]byte("garbage\rMSA|AR|X7|nope"))
	assert.Equal(t, AckReject, ack.Code)
	assert.Equal(t, "X7", ack.ControlID)
	assert.Equal(t, "nope", ack.Text)

	assert.Equal(t, &Ack{}, parseAck([]byte("nothing here")))
}
