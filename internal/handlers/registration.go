package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/minasoft/ipms-mock/internal/store"
)

func missingKey(msg *hl7.Message) error {
	return &hl7.ParseError{Reason: "missing natural key in PID", ControlID: msg.ControlID()}
}

// Registration handles ADT^A04. A first-contact patient gets a fresh set of
// identifiers; a known one keeps the record already stored. Either way a
// registration confirmation carrying the identifiers follows after the delay.
func (h *Handlers) Registration(ctx context.Context, msg *hl7.Message) (*hl7.Message, error) {
	pid := msg.Segment("PID")
	key := NaturalKey(pid)
	if key == "" {
		return nil, missingKey(msg)
	}
	incoming := demographics(pid)

	rec, created, err := h.store.GetOrCreate(key, func() (db.PatientRecord, error) {
		now := h.now()
		rec := incoming
		rec.NaturalKey = key
		rec.Identifiers = h.newIdentifiers()
		rec.IdentifierList = IdentifierList(rec, h.cfg.AssigningAuthority).Render(hl7.DefaultDelimiters)
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("register patient %s: %w", key, err)
	}

	if created {
		slog.Info("Patient registered",
			"naturalKey", key,
			"mrn", rec.Identifiers.MedicalRecordNumber,
			"controlID", msg.ControlID())
	} else {
		slog.Info("Patient already registered", "naturalKey", key, "controlID", msg.ControlID())
	}

	snapshot := rec
	h.schedule("registration-confirmed", func() (*hl7.Message, error) {
		return h.RegistrationConfirmed(snapshot)
	})

	return hl7.CreateACK(msg, hl7.AckAccept, "", h.cfg.Identity), nil
}

// PatientUpdate handles ADT^A08 by overlaying the demographics in PID onto
// the stored record. Nothing is sent downstream.
func (h *Handlers) PatientUpdate(ctx context.Context, msg *hl7.Message) (*hl7.Message, error) {
	pid := msg.Segment("PID")
	key := NaturalKey(pid)
	if key == "" {
		return nil, missingKey(msg)
	}
	incoming := demographics(pid)

	_, err := h.store.Update(key, func(rec *db.PatientRecord) (bool, error) {
		if !overlay(rec, incoming) {
			return false, nil
		}
		rec.UpdatedAt = h.now()
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PatientNotFoundError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("update patient %s: %w", key, err)
	}

	slog.Info("Patient updated", "naturalKey", key, "controlID", msg.ControlID())
	return hl7.CreateACK(msg, hl7.AckAccept, "", h.cfg.Identity), nil
}

// RegistrationConfirmed builds the ADT^A04 sent downstream once a patient is
// registered.
func (h *Handlers) RegistrationConfirmed(rec db.PatientRecord) (*hl7.Message, error) {
	ts := hl7.Timestamp(h.now())

	b := hl7.NewBuilder(hl7.DefaultDelimiters)
	b.Header().
		SetNamed("sending_application", hl7.Scalar(h.cfg.Identity.Application)).
		SetNamed("date_time_of_message", hl7.Scalar(ts)).
		SetNamed("message_type", hl7.Composite("ADT", "A04")).
		SetNamed("message_control_id", hl7.Scalar(hl7.NewControlID())).
		SetNamed("processing_id", hl7.Scalar("D")).
		SetNamed("version_id", hl7.Scalar(h.cfg.Identity.Version)).
		SetNamed("accept_acknowledgment_type", hl7.Scalar("AL")).
		SetNamed("application_acknowledgment_type", hl7.Scalar("NE"))

	b.Add("EVN").
		SetNamed("event_type_code", hl7.Scalar("A04")).
		SetNamed("recorded_date_time", hl7.Scalar(ts)).
		Set(4, hl7.Composite("INFCE", "INTERFACE")).
		Set(5, hl7.Scalar(ts))

	h.patientSegment(b, rec)
	return b.Build()
}
