package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Streams and buckets the journal writes to.
const (
	InboundStream  = "IPMS_INBOUND"
	OutboundStream = "IPMS_OUTBOUND"

	InboundSubjectPrefix  = "ipms.inbound."
	OutboundSubjectPrefix = "ipms.outbound."

	HistoryBucket = "IPMS_HISTORY"
	DLQBucket     = "IPMS_DLQ"
	StatsBucket   = "IPMS_STATS"
)

// Counter keys kept in StatsBucket.
var StatsKeys = []string{
	"transactions", "accepted", "rejected",
	"deliveries", "failed_deliveries",
}

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Host:      "127.0.0.1",
		Port:      -1, // random port, in-process use only
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}

	slog.Info("Embedded NATS server started", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("start JetStream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	if err := es.createStreams(); err != nil {
		es.Shutdown()
		return nil, err
	}

	if err := es.createKVStore(); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams() error {
	ctx := context.Background()

	streams := []jetstream.StreamConfig{
		{
			Name:        InboundStream,
			Description: "Inbound transactions and the acknowledgments returned for them",
			Subjects:    []string{InboundSubjectPrefix + ">"},
		},
		{
			Name:        OutboundStream,
			Description: "Follow-up delivery attempts",
			Subjects:    []string{OutboundSubjectPrefix + ">"},
		},
	}

	for _, cfg := range streams {
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 7 * 24 * time.Hour
		cfg.Storage = jetstream.FileStorage
		cfg.Replicas = 1
		cfg.MaxMsgs = 1000000

		if _, err := es.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		slog.Info("Stream ready", "stream", cfg.Name)
	}

	return nil
}

func (es *EmbeddedServer) createKVStore() error {
	ctx := context.Background()

	statsKV, err := es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      StatsBucket,
		Description: "Transaction and delivery counters",
		History:     10,
		TTL:         0,
		MaxBytes:    1024 * 1024, // 1MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stats KV store: %w", err)
	}

	for _, key := range StatsKeys {
		if _, err := statsKV.Get(ctx, key); errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := statsKV.Put(ctx, key, []byte("0")); err != nil {
				return fmt.Errorf("init stats key %s: %w", key, err)
			}
		}
	}

	slog.Info("KV store ready", "bucket", StatsBucket)

	_, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      DLQBucket,
		Description: "Follow-ups that could not be delivered",
		History:     1,
		TTL:         7 * 24 * time.Hour,
		MaxBytes:    64 * 1024 * 1024, // 64MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create DLQ KV store: %w", err)
	}

	slog.Info("KV store ready", "bucket", DLQBucket)

	_, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      HistoryBucket,
		Description: "Recent inbound transactions",
		History:     1,
		TTL:         24 * time.Hour,
		MaxBytes:    256 * 1024 * 1024, // 256MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create history KV store: %w", err)
	}

	slog.Info("KV store ready", "bucket", HistoryBucket)
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS server stopped")
}
