package handlers

import (
	"strings"

	"github.com/minasoft/ipms-mock/internal/db"
	"github.com/minasoft/ipms-mock/internal/hl7"
)

// Identifier type codes (CX-5).
const (
	TypeMedicalRecord  = "MR"
	TypeSocialSecurity = "SS"
	TypePublicIndex    = "PI"
	TypeHub            = "HUB"
)

// NaturalKey returns the caller-supplied identifier a patient is stored
// under: the PID-3 repetition typed SS, else PID-19, else the first PID-3
// identifier. It returns "" when pid is nil or carries none of these.
func NaturalKey(pid *hl7.Segment) string {
	if pid == nil {
		return ""
	}
	ids := pid.Named("patient_identifier_list")
	for _, rep := range ids.Repeats() {
		if strings.EqualFold(rep.Component(5), TypeSocialSecurity) && rep.Value() != "" {
			return rep.Value()
		}
	}
	if ssn := pid.Named("ssn_number_patient").Value(); ssn != "" {
		return ssn
	}
	return ids.Value()
}

// demographics reads the patient attributes carried in PID.
func demographics(pid *hl7.Segment) db.PatientRecord {
	name := pid.Named("patient_name")
	rec := db.PatientRecord{
		FamilyName: name.Component(1),
		GivenName:  name.Component(2),
		BirthDate:  pid.Named("date_time_of_birth").Value(),
		Sex:        pid.Named("administrative_sex").Value(),
		Address:    pid.Named("patient_address").Render(hl7.DefaultDelimiters),
		Phone:      pid.Named("phone_number_home").Value(),
	}
	rec.Name = strings.TrimSpace(rec.GivenName + " " + rec.FamilyName)
	return rec
}

// overlay copies every non-empty demographic attribute of src onto rec and
// reports whether anything changed. Identifiers are never touched.
func overlay(rec *db.PatientRecord, src db.PatientRecord) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&rec.FamilyName, src.FamilyName)
	set(&rec.GivenName, src.GivenName)
	set(&rec.BirthDate, src.BirthDate)
	set(&rec.Sex, src.Sex)
	set(&rec.Address, src.Address)
	set(&rec.Phone, src.Phone)
	if changed {
		rec.Name = strings.TrimSpace(rec.GivenName + " " + rec.FamilyName)
	}
	return changed
}

// IdentifierList builds PID-3 for rec: MR, SS, PI and HUB repetitions, each
// with authority in CX-4 and the type code in CX-5.
func IdentifierList(rec db.PatientRecord, authority string) hl7.Field {
	cx := func(value, typ string) []string {
		return []string{value, "", "", authority, typ}
	}
	return hl7.Repeated(
		cx(rec.Identifiers.MedicalRecordNumber, TypeMedicalRecord),
		cx(rec.NaturalKey, TypeSocialSecurity),
		cx(rec.Identifiers.PublicIndex, TypePublicIndex),
		cx(rec.Identifiers.Hub, TypeHub),
	)
}

func (h *Handlers) newIdentifiers() db.Identifiers {
	t := h.cfg.Templates
	return db.Identifiers{
		MedicalRecordNumber: h.ids.FromTemplate(t.MedicalRecord),
		PublicIndex:         h.ids.FromTemplate(t.PublicIndex),
		Hub:                 h.ids.FromTemplate(t.Hub),
		AccountNumber:       h.ids.FromTemplate(t.Account),
	}
}

// patientSegment renders the stored patient as the PID of a follow-up.
func (h *Handlers) patientSegment(b *hl7.Builder, rec db.PatientRecord) {
	b.Add("PID").
		SetNamed("set_id", hl7.Scalar("1")).
		SetNamed("patient_identifier_list", IdentifierList(rec, h.cfg.AssigningAuthority)).
		SetNamed("patient_name", hl7.Composite(rec.FamilyName, rec.GivenName)).
		SetNamed("date_time_of_birth", hl7.Scalar(rec.BirthDate)).
		SetNamed("administrative_sex", hl7.Scalar(rec.Sex)).
		SetNamed("patient_account_number", hl7.Scalar(rec.Identifiers.AccountNumber))
}
