package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/journal"
	"github.com/minasoft/ipms-mock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatients map[string]db.PatientRecord

func (f fakePatients) Get(key string) (db.PatientRecord, error) {
	rec, ok := f[key]
	if !ok {
		return db.PatientRecord{}, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return rec, nil
}

func (f fakePatients) List() []db.PatientRecord {
	out := []db.PatientRecord{}
	for _, rec := range f {
		out = append(out, rec)
	}
	return out
}

func (f fakePatients) Len() int { return len(f) }

type fakeDownstream struct{ err error }

func (f fakeDownstream) Ping(context.Context, string, int) error { return f.err }

type fakeJournal struct {
	journal.Nop
	health  map[string]string
	txs     []db.Transaction
	filter  journal.Filter
	failed  []db.Delivery
	stats   db.Stats
	statErr error
}

func (f *fakeJournal) Health(context.Context) map[string]string {
	out := map[string]string{}
	for k, v := range f.health {
		out[k] = v
	}
	return out
}

func (f *fakeJournal) Transactions(_ context.Context, filter journal.Filter) ([]db.Transaction, error) {
	f.filter = filter
	return f.txs, nil
}

func (f *fakeJournal) FailedDeliveries(context.Context) ([]db.Delivery, error) {
	return f.failed, nil
}

func (f *fakeJournal) Stats(context.Context) (db.Stats, error) {
	return f.stats, f.statErr
}

func newTestServer(j journal.Reader, down Downstream) *Server {
	patients := fakePatients{
		"OMANG3478593": {NaturalKey: "OMANG3478593", Name: "Jane Doe", Identifiers: db.Identifiers{MedicalRecordNumber: "AB00012345"}},
	}
	return NewServer(Options{DownstreamHost: "127.0.0.1", DownstreamPort: 2576}, j, patients, down)
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     map[string]string
		downstream error
		wantStatus string
		wantCode   int
	}{
		{"all healthy", map[string]string{"nats": "healthy"}, nil, "healthy", http.StatusOK},
		{"downstream unreachable", map[string]string{"nats": "healthy"}, errors.New("refused"), "degraded", http.StatusOK},
		{"missing stream", map[string]string{"nats": "healthy", "ipms_inbound": "unhealthy: stream not found"}, nil, "degraded", http.StatusOK},
		{"journal down", map[string]string{"nats": "unhealthy: timeout"}, nil, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeJournal{health: tt.health}, fakeDownstream{err: tt.downstream})
			rec := get(t, s, "/api/health")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body struct {
				Status     string            `json:"status"`
				Components map[string]string `json:"components"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "healthy (patients: 1)", body.Components["patient_store"])
			assert.Contains(t, body.Components, "downstream")
		})
	}
}

func TestPatients(t *testing.T) {
	s := newTestServer(journal.Nop{}, nil)

	rec := get(t, s, "/api/patients")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []db.PatientRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = get(t, s, "/api/patients/OMANG3478593")
	assert.Equal(t, http.StatusOK, rec.Code)
	var one db.PatientRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "AB00012345", one.Identifiers.MedicalRecordNumber)

	rec = get(t, s, "/api/patients/UNKNOWN")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessages_PassesFilter(t *testing.T) {
	j := &fakeJournal{txs: []db.Transaction{{ID: "t1", MessageType: "ADT^A04", AckCode: "AA", Timestamp: time.Now()}}}
	s := newTestServer(j, nil)

	rec := get(t, s, "/api/messages?type=ADT&ack=AA&controlId=MSG&limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, journal.Filter{Type: "ADT", AckCode: "AA", ControlID: "MSG", Limit: 5}, j.filter)

	var txs []db.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "t1", txs[0].ID)
}

func TestMessages_BadLimit(t *testing.T) {
	s := newTestServer(&fakeJournal{}, nil)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/messages?limit=zero").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/messages?limit=0").Code)
}

func TestFailedDeliveries(t *testing.T) {
	j := &fakeJournal{failed: []db.Delivery{{ID: "d1", Job: "result-report", Status: db.DeliveryFailed}}}
	s := newTestServer(j, nil)

	rec := get(t, s, "/api/deliveries/failed")
	assert.Equal(t, http.StatusOK, rec.Code)
	var out []db.Delivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "result-report", out[0].Job)
}

func TestStats(t *testing.T) {
	s := newTestServer(&fakeJournal{stats: db.Stats{Transactions: 3, Accepted: 2, Rejected: 1}}, nil)

	rec := get(t, s, "/api/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Patients int      `json:"patients"`
		Journal  db.Stats `json:"journal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Patients)
	assert.Equal(t, 3, body.Journal.Transactions)

	s = newTestServer(&fakeJournal{statErr: errors.New("bucket gone")}, nil)
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/stats").Code)
}

func TestStreams_DisabledJournal(t *testing.T) {
	s := newTestServer(journal.Nop{}, nil)
	rec := get(t, s, "/api/streams")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
