// Package handlers holds the per-message-type business logic of the mock:
// patient registration, patient update and order handling.
package handlers

import (
	"fmt"
	"time"

	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/fixtures"
	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/minasoft/ipms-mock/internal/idgen"
	"github.com/minasoft/ipms-mock/internal/router"
	"github.com/minasoft/ipms-mock/internal/scheduler"
	"github.com/minasoft/ipms-mock/internal/store"
)

// PatientStore is the subset of *store.Store the handlers use.
type PatientStore interface {
	Get(key string) (db.PatientRecord, error)
	GetOrCreate(key string, create func() (db.PatientRecord, error)) (db.PatientRecord, bool, error)
	Update(key string, fn func(rec *db.PatientRecord) (bool, error)) (db.PatientRecord, error)
}

type Scheduler interface {
	Schedule(delay time.Duration, job scheduler.Job)
}

// Templates are the identifier shapes handed out on first contact.
type Templates struct {
	MedicalRecord idgen.Template
	PublicIndex   idgen.Template
	Hub           idgen.Template
	Account       idgen.Template
}

func DefaultTemplates() Templates {
	return Templates{
		MedicalRecord: idgen.MedicalRecordTemplate,
		PublicIndex:   idgen.PublicIndexTemplate,
		Hub:           idgen.HubTemplate,
		Account:       idgen.AccountTemplate,
	}
}

type Config struct {
	Identity           hl7.Identity
	AssigningAuthority string
	DestinationHost    string
	DestinationPort    int
	Delay              time.Duration
	Templates          Templates
	ResultReport       fixtures.ResultReport
}

// PatientNotFoundError is returned when an order or update names a patient
// that was never registered.
type PatientNotFoundError struct {
	Key string
}

func (e *PatientNotFoundError) Error() string {
	return fmt.Sprintf("patient not found: %s", e.Key)
}

func (e *PatientNotFoundError) Unwrap() error {
	return store.ErrNotFound
}

type Handlers struct {
	cfg       Config
	store     PatientStore
	ids       *idgen.Generator
	scheduler Scheduler
	now       func() time.Time
}

func New(cfg Config, patients PatientStore, ids *idgen.Generator, sched Scheduler) *Handlers {
	if cfg.AssigningAuthority == "" {
		cfg.AssigningAuthority = "GGC"
	}
	if cfg.Templates == (Templates{}) {
		cfg.Templates = DefaultTemplates()
	}
	return &Handlers{
		cfg:       cfg,
		store:     patients,
		ids:       ids,
		scheduler: sched,
		now:       time.Now,
	}
}

// Register wires every handler into r.
func (h *Handlers) Register(r *router.Router) {
	r.Handle("ADT", "A04", h.Registration)
	r.Handle("ADT", "A08", h.PatientUpdate)
	r.Handle("ORM", "O01", h.Order)
}

func (h *Handlers) schedule(name string, build func() (*hl7.Message, error)) {
	h.scheduler.Schedule(h.cfg.Delay, scheduler.Job{
		Name:  name,
		Host:  h.cfg.DestinationHost,
		Port:  h.cfg.DestinationPort,
		Build: build,
	})
}
