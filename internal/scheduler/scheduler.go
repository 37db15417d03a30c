// Package scheduler runs single-shot delayed jobs that build a follow-up
// message and deliver it downstream. Jobs are never cancelled or retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/hl7"
)

// Deliverer sends framed bytes to a downstream peer.
type Deliverer interface {
	Deliver(ctx context.Context, host string, port int, framed []byte) (*hl7.Ack, error)
}

// DeliveryRecorder receives one record per delivery attempt.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d db.Delivery)
}

// Job is a deferred follow-up. Build captures whatever it needs at schedule
// time and is called once, after the delay.
type Job struct {
	Name  string
	Host  string
	Port  int
	Build func() (*hl7.Message, error)
}

type Scheduler struct {
	deliverer Deliverer
	recorder  DeliveryRecorder
	wg        sync.WaitGroup
}

func New(deliverer Deliverer, recorder DeliveryRecorder) *Scheduler {
	return &Scheduler{
		deliverer: deliverer,
		recorder:  recorder,
	}
}

// Schedule registers job to run once after delay and returns immediately.
func (s *Scheduler) Schedule(delay time.Duration, job Job) {
	scheduledAt := time.Now()
	slog.Info("Follow-up scheduled",
		"job", job.Name,
		"delay", delay.String(),
		"destination", net.JoinHostPort(job.Host, strconv.Itoa(job.Port)))

	s.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.run(job, scheduledAt)
	})
}

// Wait blocks until every job scheduled so far has run.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(job Job, scheduledAt time.Time) {
	ctx := context.Background()
	attemptedAt := time.Now()
	d := db.Delivery{
		ID:          uuid.New().String(),
		Job:         job.Name,
		Destination: net.JoinHostPort(job.Host, strconv.Itoa(job.Port)),
		ScheduledAt: scheduledAt,
		AttemptedAt: &attemptedAt,
		Status:      db.DeliveryFailed,
	}

	defer func() {
		if r := recover(); r != nil {
			d.LastError = fmt.Sprintf("job panic: %v", r)
			slog.Error("Follow-up job panicked, dropped", "job", job.Name, "panic", r)
		}
		if s.recorder != nil {
			s.recorder.RecordDelivery(ctx, d)
		}
	}()

	msg, err := job.Build()
	if err != nil {
		d.LastError = err.Error()
		slog.Error("Follow-up build failed, dropped", "job", job.Name, "error", err)
		return
	}
	d.MessageType = msg.Kind()
	d.ControlID = msg.ControlID()

	payload := hl7.Terminate([]byte(msg.Render()))
	d.RawMessage = payload

	ack, err := s.deliverer.Deliver(ctx, job.Host, job.Port, hl7.Encode(payload))
	if err != nil {
		d.LastError = err.Error()
		var cerr *hl7.ConnectError
		if errors.As(err, &cerr) {
			slog.Error("Follow-up delivery failed, dropped",
				"job", job.Name,
				"destination", d.Destination,
				"op", cerr.Op,
				"error", cerr.Err)
		} else {
			slog.Error("Follow-up delivery failed, dropped", "job", job.Name, "error", err)
		}
		return
	}

	d.Status = db.DeliveryDelivered
	if ack != nil {
		d.AckCode = ack.Code
	}
	slog.Info("Follow-up delivered",
		"job", job.Name,
		"messageType", d.MessageType,
		"controlID", d.ControlID,
		"destination", d.Destination,
		"ackCode", d.AckCode)
}
