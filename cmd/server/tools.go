package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/minasoft/ipms-mock/internal/config"
	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Frame an HL7 file, send it over MLLP and print the acknowledgment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = cfg.ServerPort
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			client := hl7.NewMLLPClient(timeout, true)
			ack, err := client.Deliver(cmd.Context(), host, port, hl7.Encode(normalizeSegments(raw)))
			if err != nil {
				return err
			}
			printAck(cmd.OutOrStdout(), ack)
			return nil
		},
	}
	cmd.Flags().String("host", "127.0.0.1", "MLLP host to send to")
	cmd.Flags().Int("port", 0, "MLLP port to send to (default SERVER_PORT)")
	cmd.Flags().Duration("timeout", 10*time.Second, "connect, write and acknowledgment timeout")
	return cmd
}

// normalizeSegments turns a hand-edited file into wire form: CRLF and LF
// become CR, blank lines go, and the last segment is terminated.
func normalizeSegments(raw []byte) []byte {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var segments []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			segments = append(segments, line)
		}
	}
	return hl7.Terminate([]byte(strings.Join(segments, "\r")))
}

func printAck(w io.Writer, ack *hl7.Ack) {
	if ack == nil {
		fmt.Fprintln(w, "no acknowledgment received")
		return
	}
	fmt.Fprintf(w, "%s %s", ack.Code, ack.ControlID)
	if ack.Text != "" {
		fmt.Fprintf(w, " %s", ack.Text)
	}
	fmt.Fprintln(w)
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Act as the downstream engine: acknowledge and log every frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = cfg.ClientPort
			}

			ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
			if err != nil {
				return err
			}
			slog.Info("Downstream listener started", "address", ln.Addr().String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			identity := hl7.Identity{Application: "ENGINE", Facility: cfg.SendingFacility, Version: cfg.HL7Version}
			return acknowledgeAll(ctx, ln, identity, nil)
		},
	}
	cmd.Flags().Int("port", 0, "port to listen on (default CLIENT_PORT)")
	return cmd
}

// acknowledgeAll accepts connections on ln until ctx ends, answering every
// frame with AA (AE when it does not parse). Each parsed message is passed to
// seen when it is non-nil.
func acknowledgeAll(ctx context.Context, ln net.Listener, identity hl7.Identity, seen func(*hl7.Message)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go acknowledgeConn(conn, identity, seen)
	}
}

func acknowledgeConn(conn net.Conn, identity hl7.Identity, seen func(*hl7.Message)) {
	defer conn.Close()
	remoteAddr := conn.RemoteAddr().String()
	fr := hl7.NewFrameReader(conn)

	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Downstream read failed", "remoteAddr", remoteAddr, "error", err)
			}
			return
		}

		var reply *hl7.Message
		msg, err := hl7.Parse(string(payload))
		if err != nil {
			var perr *hl7.ParseError
			if !errors.As(err, &perr) {
				perr = &hl7.ParseError{Reason: err.Error(), ControlID: hl7.SalvageControlID(string(payload))}
			}
			slog.Warn("Downstream received unparseable message", "remoteAddr", remoteAddr, "error", err)
			reply = hl7.CreateParseErrorACK(perr, identity)
		} else {
			slog.Info("Downstream received message",
				"remoteAddr", remoteAddr,
				"messageType", msg.Kind(),
				"controlID", msg.ControlID(),
				"message", strings.ReplaceAll(msg.Render(), "\r", "\n"))
			if seen != nil {
				seen(msg)
			}
			reply = hl7.CreateACK(msg, hl7.AckAccept, "", identity)
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(hl7.Encode([]byte(reply.Render()))); err != nil {
			slog.Warn("Downstream write failed", "remoteAddr", remoteAddr, "error", err)
			return
		}
	}
}
