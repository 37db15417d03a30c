package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/fixtures"
	"github.com/minasoft/ipms-mock/internal/hl7"
	"github.com/minasoft/ipms-mock/internal/store"
)

// OrderRef is what a result report echoes back from the order.
type OrderRef struct {
	PlacerOrderNumber hl7.Field
	FillerOrderNumber hl7.Field
	ServiceID         hl7.Field
}

func orderRef(msg *hl7.Message) OrderRef {
	var ref OrderRef
	if orc := msg.Segment("ORC"); orc != nil {
		ref.PlacerOrderNumber = orc.Named("placer_order_number")
		ref.FillerOrderNumber = orc.Named("filler_order_number")
	}
	if obr := msg.Segment("OBR"); obr != nil {
		if ref.PlacerOrderNumber.IsEmpty() {
			ref.PlacerOrderNumber = obr.Named("placer_order_number")
		}
		if ref.FillerOrderNumber.IsEmpty() {
			ref.FillerOrderNumber = obr.Named("filler_order_number")
		}
		ref.ServiceID = obr.Named("universal_service_identifier")
	}
	return ref
}

// Order handles ORM^O01. The patient must already be registered; a result
// report built from the configured fixtures follows after the delay.
func (h *Handlers) Order(ctx context.Context, msg *hl7.Message) (*hl7.Message, error) {
	pid := msg.Segment("PID")
	key := NaturalKey(pid)
	if key == "" {
		return nil, missingKey(msg)
	}

	rec, err := h.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &PatientNotFoundError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("look up patient %s: %w", key, err)
	}

	ref := orderRef(msg)
	report := h.cfg.ResultReport
	slog.Info("Order received",
		"naturalKey", key,
		"placerOrder", ref.PlacerOrderNumber.Value(),
		"controlID", msg.ControlID())

	h.schedule("result-report", func() (*hl7.Message, error) {
		return h.ResultReport(rec, ref, report)
	})

	return hl7.CreateACK(msg, hl7.AckAccept, "", h.cfg.Identity), nil
}

// ResultReport builds the ORU^R01 that answers an order: the patient, the
// order echoed back as resulted, and one OBX per observation.
func (h *Handlers) ResultReport(rec db.PatientRecord, ref OrderRef, report fixtures.ResultReport) (*hl7.Message, error) {
	ts := hl7.Timestamp(h.now())

	b := hl7.NewBuilder(hl7.DefaultDelimiters)
	b.Header().
		SetNamed("sending_application", hl7.Scalar(h.cfg.Identity.Application)).
		SetNamed("sending_facility", hl7.Scalar(h.cfg.Identity.Facility)).
		SetNamed("date_time_of_message", hl7.Scalar(ts)).
		SetNamed("message_type", hl7.Composite("ORU", "R01")).
		SetNamed("message_control_id", hl7.Scalar(hl7.NewControlID())).
		SetNamed("processing_id", hl7.Scalar("P")).
		SetNamed("version_id", hl7.Scalar(h.cfg.Identity.Version))

	h.patientSegment(b, rec)

	b.Add("ORC").
		SetNamed("order_control", hl7.Scalar("RE")).
		SetNamed("placer_order_number", ref.PlacerOrderNumber).
		SetNamed("filler_order_number", ref.FillerOrderNumber).
		SetNamed("order_status", hl7.Scalar("CM")).
		SetNamed("date_time_of_transaction", hl7.Scalar(ts))

	b.Add("OBR").
		SetNamed("set_id", hl7.Scalar("1")).
		SetNamed("placer_order_number", ref.PlacerOrderNumber).
		SetNamed("filler_order_number", ref.FillerOrderNumber).
		SetNamed("universal_service_identifier", ref.ServiceID).
		SetNamed("observation_date_time", hl7.Scalar(ts)).
		SetNamed("results_rpt_status_chng_date_time", hl7.Scalar(ts)).
		SetNamed("result_status", hl7.Scalar("F"))

	for i, obs := range report.Observations {
		b.Add("OBX").
			SetNamed("set_id", hl7.Scalar(strconv.Itoa(i+1))).
			SetNamed("value_type", hl7.Scalar(obs.ValueType)).
			SetNamed("observation_identifier", hl7.Composite(obs.Code, obs.Text, obs.CodingSystem)).
			SetNamed("observation_value", hl7.Scalar(obs.Value)).
			SetNamed("units", hl7.Scalar(obs.Units)).
			SetNamed("references_range", hl7.Scalar(obs.ReferenceRange)).
			SetNamed("abnormal_flags", hl7.Scalar(obs.AbnormalFlag)).
			SetNamed("observation_result_status", hl7.Scalar(obs.Status)).
			SetNamed("date_time_of_the_observation", hl7.Scalar(ts))
	}

	for i, note := range report.Notes {
		b.Add("NTE").
			SetNamed("set_id", hl7.Scalar(strconv.Itoa(i+1))).
			SetNamed("source_of_comment", hl7.Scalar("L")).
			SetNamed("comment", hl7.Scalar(note))
	}

	return b.Build()
}
