package hl7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minasoft/ipms-mock/internal/db"
)

const writeTimeout = 10 * time.Second

// Dispatcher produces the immediate reply for a parsed inbound message. An
// error is turned into a negative acknowledgment by the server.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) (*Message, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// TransactionRecorder receives one record per inbound transaction.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, tx db.Transaction)
}

type ServerConfig struct {
	Addr string
	// Persistent keeps a connection open for further frames after a reply;
	// otherwise it is closed once the first reply is written.
	Persistent bool
	// IdleTimeout closes connections that send nothing for this long. Zero
	// waits forever.
	IdleTimeout time.Duration
	Identity    Identity
}

type MLLPServer struct {
	cfg        ServerConfig
	dispatcher Dispatcher
	recorder   TransactionRecorder
	listener   net.Listener
	cancel     context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewMLLPServer(cfg ServerConfig, dispatcher Dispatcher, recorder TransactionRecorder) *MLLPServer {
	return &MLLPServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		recorder:   recorder,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens and accepts connections in the background.
func (s *MLLPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)

	slog.Info("HL7 MLLP server started",
		"address", listener.Addr().String(),
		"persistent", s.cfg.Persistent)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer s.wg.Done()
		s.acceptConnections(ctx)
	}()
	return nil
}

// Addr returns the bound listener address, useful when started on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Accept failed", "error", err)
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	slog.Info("New HL7 connection", "remoteAddr", remoteAddr)

	reader := NewFrameReader(conn)
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		slog.Debug("Connection state", "remoteAddr", remoteAddr, "state", "AWAITING_FRAME")

		payload, err := reader.ReadFrame()
		if err != nil {
			var fe *FramingError
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("Connection closed", "remoteAddr", remoteAddr)
			case errors.As(err, &fe):
				slog.Warn("Framing error, dropping connection", "remoteAddr", remoteAddr, "error", err)
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.Info("Idle connection closed", "remoteAddr", remoteAddr)
			case ctx.Err() != nil:
			default:
				slog.Error("Message read failed", "remoteAddr", remoteAddr, "error", err)
			}
			return
		}
		slog.Debug("Connection state", "remoteAddr", remoteAddr, "state", "FRAME_RECEIVED", "size", len(payload))

		reply := s.processMessage(ctx, payload, remoteAddr)

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(Encode([]byte(reply.Render()))); err != nil {
			slog.Error("Reply write failed", "remoteAddr", remoteAddr, "error", err)
			return
		}

		if !s.cfg.Persistent {
			return
		}
	}
}

// processMessage turns one payload into its reply. It never fails: every
// error becomes a negative acknowledgment.
func (s *MLLPServer) processMessage(ctx context.Context, payload []byte, remoteAddr string) (reply *Message) {
	tx := db.Transaction{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		RemoteAddr: remoteAddr,
		RawMessage: payload,
	}
	defer func() {
		tx.AckCode = AckCode(reply)
		state := "ACK_SENT"
		if tx.AckCode != AckAccept {
			state = "ERROR_SENT"
		}
		slog.Debug("Connection state", "remoteAddr", remoteAddr, "state", state)
		if s.recorder != nil {
			s.recorder.RecordTransaction(ctx, tx)
		}
	}()

	msg, err := Parse(string(payload))
	if err != nil {
		var perr *ParseError
		if !errors.As(err, &perr) {
			perr = &ParseError{Reason: err.Error(), ControlID: SalvageControlID(string(payload))}
		}
		tx.ControlID = perr.ControlID
		tx.Error = perr.Error()
		slog.Warn("HL7 parse failed", "remoteAddr", remoteAddr, "controlID", perr.ControlID, "error", err)
		return CreateParseErrorACK(perr, s.cfg.Identity)
	}
	tx.MessageType = msg.Kind()
	tx.ControlID = msg.ControlID()
	slog.Debug("Connection state", "remoteAddr", remoteAddr, "state", "PARSED", "messageType", msg.Kind())

	reply, err = s.dispatch(ctx, msg)
	if err != nil {
		tx.Error = err.Error()
		slog.Warn("HL7 message rejected",
			"remoteAddr", remoteAddr,
			"messageType", msg.Kind(),
			"controlID", msg.ControlID(),
			"error", err)
		return CreateACK(msg, AckError, err.Error(), s.cfg.Identity)
	}
	if reply == nil {
		reply = CreateACK(msg, AckAccept, "", s.cfg.Identity)
	}

	slog.Info("HL7 message handled",
		"remoteAddr", remoteAddr,
		"messageType", msg.Kind(),
		"controlID", msg.ControlID(),
		"ackCode", AckCode(reply))
	return reply
}

func (s *MLLPServer) dispatch(ctx context.Context, msg *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	slog.Debug("Connection state", "messageType", msg.Kind(), "state", "ROUTED")
	return s.dispatcher.Dispatch(ctx, msg)
}

// Stop closes the listener and every open connection, then waits for their
// goroutines to finish.
func (s *MLLPServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
