// Package journal keeps an audit trail of inbound transactions and follow-up
// deliveries on JetStream streams and KV buckets.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/hl7"
	ipmsnats "github.com/minasoft/ipms-mock/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultLimit caps how many transactions a listing returns.
const DefaultLimit = 100

// Filter narrows a transaction listing. Empty fields match everything; Type
// and ControlID match case-insensitive substrings, AckCode matches exactly.
type Filter struct {
	Type      string
	AckCode   string
	ControlID string
	Limit     int
}

// Reader is the query side used by the admin API.
type Reader interface {
	Stats(ctx context.Context) (db.Stats, error)
	Transactions(ctx context.Context, f Filter) ([]db.Transaction, error)
	FailedDeliveries(ctx context.Context) ([]db.Delivery, error)
	Streams(ctx context.Context) ([]db.StreamInfo, error)
	Health(ctx context.Context) map[string]string
}

var (
	_ hl7.TransactionRecorder = (*Journal)(nil)
	_ Reader                  = (*Journal)(nil)
	_ Reader                  = Nop{}
)

// Journal records to JetStream. Recording never returns an error: a journal
// failure is logged and the transaction it describes carries on.
type Journal struct {
	js jetstream.JetStream

	// counters are read-modify-write on the stats bucket
	statsMu sync.Mutex
}

func New(js jetstream.JetStream) *Journal {
	return &Journal{js: js}
}

func (j *Journal) RecordTransaction(ctx context.Context, tx db.Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	data, err := json.Marshal(tx)
	if err != nil {
		slog.Error("Failed to encode transaction", "id", tx.ID, "error", err)
		return
	}

	subject := ipmsnats.InboundSubjectPrefix + tx.ID
	if _, err := j.js.Publish(ctx, subject, data); err != nil {
		slog.Error("Failed to publish transaction", "subject", subject, "error", err)
	}

	if kv, err := j.js.KeyValue(ctx, ipmsnats.HistoryBucket); err != nil {
		slog.Error("History bucket unavailable", "error", err)
	} else if _, err := kv.Put(ctx, tx.ID, data); err != nil {
		slog.Error("Failed to store transaction history", "id", tx.ID, "error", err)
	}

	outcome := "accepted"
	if tx.AckCode != hl7.AckAccept {
		outcome = "rejected"
	}
	j.bump(ctx, "last_transaction", tx.Timestamp, "transactions", outcome)
}

func (j *Journal) RecordDelivery(ctx context.Context, d db.Delivery) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	data, err := json.Marshal(d)
	if err != nil {
		slog.Error("Failed to encode delivery", "id", d.ID, "error", err)
		return
	}

	subject := ipmsnats.OutboundSubjectPrefix + d.ID
	if _, err := j.js.Publish(ctx, subject, data); err != nil {
		slog.Error("Failed to publish delivery", "subject", subject, "error", err)
	}

	at := d.ScheduledAt
	if d.AttemptedAt != nil {
		at = *d.AttemptedAt
	}

	if d.Status != db.DeliveryFailed {
		j.bump(ctx, "last_delivery", at, "deliveries")
		return
	}

	if kv, err := j.js.KeyValue(ctx, ipmsnats.DLQBucket); err != nil {
		slog.Error("DLQ bucket unavailable", "error", err)
	} else if _, err := kv.Put(ctx, d.ID, data); err != nil {
		slog.Error("Failed to store failed delivery", "id", d.ID, "error", err)
	}

	slog.Warn("Delivery moved to DLQ", "id", d.ID, "job", d.Job, "error", d.LastError)
	j.bump(ctx, "last_delivery", at, "deliveries", "failed_deliveries")
}

// bump increments each counter by one and stamps the time key.
func (j *Journal) bump(ctx context.Context, timeKey string, at time.Time, counters ...string) {
	kv, err := j.js.KeyValue(ctx, ipmsnats.StatsBucket)
	if err != nil {
		slog.Error("Stats bucket unavailable", "error", err)
		return
	}

	j.statsMu.Lock()
	defer j.statsMu.Unlock()

	for _, key := range counters {
		n := kvInt(ctx, kv, key)
		if _, err := kv.Put(ctx, key, []byte(strconv.Itoa(n+1))); err != nil {
			slog.Error("Failed to update counter", "key", key, "error", err)
		}
	}
	if _, err := kv.Put(ctx, timeKey, []byte(at.UTC().Format(time.RFC3339))); err != nil {
		slog.Error("Failed to update counter", "key", timeKey, "error", err)
	}
}

func kvInt(ctx context.Context, kv jetstream.KeyValue, key string) int {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(string(entry.Value()))
	return n
}

func kvString(ctx context.Context, kv jetstream.KeyValue, key string) string {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return ""
	}
	return string(entry.Value())
}

func (j *Journal) Stats(ctx context.Context) (db.Stats, error) {
	kv, err := j.js.KeyValue(ctx, ipmsnats.StatsBucket)
	if err != nil {
		return db.Stats{}, fmt.Errorf("stats bucket: %w", err)
	}

	return db.Stats{
		Transactions:     kvInt(ctx, kv, "transactions"),
		Accepted:         kvInt(ctx, kv, "accepted"),
		Rejected:         kvInt(ctx, kv, "rejected"),
		Deliveries:       kvInt(ctx, kv, "deliveries"),
		FailedDeliveries: kvInt(ctx, kv, "failed_deliveries"),
		LastTransaction:  kvString(ctx, kv, "last_transaction"),
		LastDelivery:     kvString(ctx, kv, "last_delivery"),
	}, nil
}

// Transactions lists recorded transactions newest first.
func (j *Journal) Transactions(ctx context.Context, f Filter) ([]db.Transaction, error) {
	kv, err := j.js.KeyValue(ctx, ipmsnats.HistoryBucket)
	if err != nil {
		return nil, fmt.Errorf("history bucket: %w", err)
	}

	txs := []db.Transaction{}
	err = eachEntry(ctx, kv, func(value []byte) {
		var tx db.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return
		}
		if f.matches(tx) {
			txs = append(txs, tx)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(a, b int) bool {
		return txs[a].Timestamp.After(txs[b].Timestamp)
	})

	limit := f.Limit
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (f Filter) matches(tx db.Transaction) bool {
	if f.AckCode != "" && !strings.EqualFold(tx.AckCode, f.AckCode) {
		return false
	}
	if f.Type != "" && !contains(tx.MessageType, f.Type) {
		return false
	}
	if f.ControlID != "" && !contains(tx.ControlID, f.ControlID) {
		return false
	}
	return true
}

func contains(s, substr string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// FailedDeliveries lists the DLQ, most recently scheduled first.
func (j *Journal) FailedDeliveries(ctx context.Context) ([]db.Delivery, error) {
	kv, err := j.js.KeyValue(ctx, ipmsnats.DLQBucket)
	if err != nil {
		return nil, fmt.Errorf("DLQ bucket: %w", err)
	}

	out := []db.Delivery{}
	err = eachEntry(ctx, kv, func(value []byte) {
		var d db.Delivery
		if err := json.Unmarshal(value, &d); err == nil {
			out = append(out, d)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].ScheduledAt.After(out[b].ScheduledAt)
	})
	return out, nil
}

func eachEntry(ctx context.Context, kv jetstream.KeyValue, fn func(value []byte)) error {
	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		fn(entry.Value())
	}
	return nil
}

func (j *Journal) Streams(ctx context.Context) ([]db.StreamInfo, error) {
	streams := []db.StreamInfo{}

	for _, name := range []string{ipmsnats.InboundStream, ipmsnats.OutboundStream} {
		stream, err := j.js.Stream(ctx, name)
		if err != nil {
			continue
		}

		info, err := stream.Info(ctx)
		if err != nil {
			continue
		}

		streams = append(streams, db.StreamInfo{
			Name:          info.Config.Name,
			Messages:      info.State.Msgs,
			Bytes:         info.State.Bytes,
			FirstSequence: info.State.FirstSeq,
			LastSequence:  info.State.LastSeq,
		})
	}

	return streams, nil
}

// Health reports one status line per journal component. Values that do not
// start with "healthy" mark the component as degraded.
func (j *Journal) Health(ctx context.Context) map[string]string {
	components := make(map[string]string)

	if _, err := j.js.AccountInfo(ctx); err != nil {
		components["nats"] = "unhealthy: " + err.Error()
	} else {
		components["nats"] = "healthy"
	}

	for _, name := range []string{ipmsnats.InboundStream, ipmsnats.OutboundStream} {
		key := strings.ToLower(name)
		stream, err := j.js.Stream(ctx, name)
		if err != nil {
			components[key] = "unhealthy: stream not found"
			continue
		}
		if info, err := stream.Info(ctx); err == nil {
			components[key] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
		} else {
			components[key] = "healthy"
		}
	}

	for _, name := range []string{ipmsnats.StatsBucket, ipmsnats.HistoryBucket, ipmsnats.DLQBucket} {
		key := strings.ToLower(name)
		kv, err := j.js.KeyValue(ctx, name)
		if err != nil {
			components[key] = "unhealthy"
			continue
		}
		if status, err := kv.Status(ctx); err == nil {
			components[key] = fmt.Sprintf("healthy (values: %d)", status.Values())
		} else {
			components[key] = "healthy"
		}
	}

	return components
}

// Nop discards records and reports an empty journal. It stands in when the
// journal is disabled.
type Nop struct{}

func (Nop) RecordTransaction(context.Context, db.Transaction) {}

func (Nop) RecordDelivery(context.Context, db.Delivery) {}

func (Nop) Stats(context.Context) (db.Stats, error) { return db.Stats{}, nil }

func (Nop) Transactions(context.Context, Filter) ([]db.Transaction, error) {
	return []db.Transaction{}, nil
}

func (Nop) FailedDeliveries(context.Context) ([]db.Delivery, error) { return []db.Delivery{}, nil }

func (Nop) Streams(context.Context) ([]db.StreamInfo, error) { return []db.StreamInfo{}, nil }

func (Nop) Health(context.Context) map[string]string {
	return map[string]string{"journal": "healthy (disabled)"}
}
