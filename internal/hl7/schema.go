package hl7

import (
	"fmt"
	"strings"
)

// SegmentSchema maps a segment's field ordinals to names.
type SegmentSchema struct {
	Name     string
	names    map[int]string
	ordinals map[string]int
}

func newSchema(name string, fields ...string) *SegmentSchema {
	s := &SegmentSchema{
		Name:     name,
		names:    make(map[int]string, len(fields)),
		ordinals: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		s.at(i+1, f)
	}
	return s
}

func (s *SegmentSchema) at(n int, name string) *SegmentSchema {
	s.names[n] = name
	s.ordinals[name] = n
	return s
}

// Ordinal returns the 1-based position of a named field.
func (s *SegmentSchema) Ordinal(name string) (int, bool) {
	n, ok := s.ordinals[name]
	return n, ok
}

// FieldName returns the name of field n, or "" when the schema does not
// name it.
func (s *SegmentSchema) FieldName(n int) string {
	return s.names[n]
}

var unknownSchema = newSchema("")

var segmentSchemas = map[string]*SegmentSchema{
	"MSH": newSchema("MSH",
		"field_separator", "encoding_characters", "sending_application", "sending_facility",
		"receiving_application", "receiving_facility", "date_time_of_message", "security",
		"message_type", "message_control_id", "processing_id", "version_id",
		"sequence_number", "continuation_pointer", "accept_acknowledgment_type",
		"application_acknowledgment_type", "country_code", "character_set",
		"principal_language_of_message"),
	"EVN": newSchema("EVN",
		"event_type_code", "recorded_date_time", "date_time_planned_event",
		"event_reason_code", "operator_id", "event_occurred", "event_facility"),
	"PID": newSchema("PID",
		"set_id", "patient_id", "patient_identifier_list", "alternate_patient_id",
		"patient_name", "mothers_maiden_name", "date_time_of_birth", "administrative_sex",
		"patient_alias", "race", "patient_address", "county_code", "phone_number_home",
		"phone_number_business", "primary_language", "marital_status", "religion",
		"patient_account_number", "ssn_number_patient", "drivers_license_number",
		"mothers_identifier", "ethnic_group", "birth_place", "multiple_birth_indicator",
		"birth_order", "citizenship", "veterans_military_status", "nationality",
		"patient_death_date_and_time", "patient_death_indicator"),
	"PV1": newSchema("PV1",
		"set_id", "patient_class", "assigned_patient_location", "admission_type",
		"preadmit_number", "prior_patient_location", "attending_doctor", "referring_doctor",
		"consulting_doctor", "hospital_service", "temporary_location",
		"preadmit_test_indicator", "re_admission_indicator", "admit_source",
		"ambulatory_status", "vip_indicator", "admitting_doctor", "patient_type",
		"visit_number").
		at(44, "admit_date_time").
		at(45, "discharge_date_time"),
	"ROL": newSchema("ROL",
		"role_instance_id", "action_code", "role", "role_person", "role_begin_date_time",
		"role_end_date_time", "role_duration", "role_action_reason", "provider_type",
		"organization_unit_type", "office_home_address", "phone"),
	"ORC": newSchema("ORC",
		"order_control", "placer_order_number", "filler_order_number",
		"placer_group_number", "order_status", "response_flag", "quantity_timing",
		"parent", "date_time_of_transaction", "entered_by", "verified_by",
		"ordering_provider"),
	"OBR": newSchema("OBR",
		"set_id", "placer_order_number", "filler_order_number",
		"universal_service_identifier", "priority", "requested_date_time",
		"observation_date_time", "observation_end_date_time", "collection_volume",
		"collector_identifier", "specimen_action_code", "danger_code",
		"relevant_clinical_information", "specimen_received_date_time", "specimen_source",
		"ordering_provider", "order_callback_phone_number", "placer_field_1",
		"placer_field_2", "filler_field_1", "filler_field_2",
		"results_rpt_status_chng_date_time", "charge_to_practice",
		"diagnostic_serv_sect_id", "result_status"),
	"OBX": newSchema("OBX",
		"set_id", "value_type", "observation_identifier", "observation_sub_id",
		"observation_value", "units", "references_range", "abnormal_flags", "probability",
		"nature_of_abnormal_test", "observation_result_status",
		"effective_date_of_reference_range", "user_defined_access_checks",
		"date_time_of_the_observation"),
	"NTE": newSchema("NTE", "set_id", "source_of_comment", "comment", "comment_type"),
	"MSA": newSchema("MSA",
		"acknowledgment_code", "message_control_id", "text_message",
		"expected_sequence_number", "delayed_acknowledgment_type", "error_condition"),
	"ERR": newSchema("ERR", "error_code_and_location"),
}

// SchemaFor returns the schema for a segment name. Unknown segments (Z
// segments included) get a schema that names nothing.
func SchemaFor(name string) *SegmentSchema {
	if s, ok := segmentSchemas[name]; ok {
		return s
	}
	return unknownSchema
}

// MessageSchema lists the segments a message kind must carry.
type MessageSchema struct {
	Kind     string
	Required []string
}

var messageSchemas = map[string]MessageSchema{
	"ADT^A04": {Kind: "ADT^A04", Required: []string{"MSH", "PID"}},
	"ADT^A08": {Kind: "ADT^A08", Required: []string{"MSH", "PID"}},
	"ORM^O01": {Kind: "ORM^O01", Required: []string{"MSH", "PID"}},
	"ORU^R01": {Kind: "ORU^R01", Required: []string{"MSH", "PID", "OBR"}},
	"ACK":     {Kind: "ACK", Required: []string{"MSH", "MSA"}},
}

// Validate checks the header contract and, for known message kinds, the
// presence of required segments.
func Validate(m *Message) error {
	if len(m.Segments) == 0 || m.Segments[0].Name != "MSH" {
		return &ParseError{Reason: "first segment must be MSH"}
	}
	for _, seg := range m.Segments[1:] {
		if seg.Name == "MSH" {
			return &ParseError{Reason: "more than one MSH segment", ControlID: m.ControlID()}
		}
	}
	if m.Type() == "" {
		return &ParseError{Reason: "MSH-9 message type missing", ControlID: m.ControlID()}
	}
	// a bare "ACK" needs no trigger
	isAck := strings.EqualFold(m.Type(), "ACK")
	if m.Trigger() == "" && !isAck {
		return &ParseError{Reason: "MSH-9 trigger event missing", ControlID: m.ControlID()}
	}

	// kinds match case-insensitively, as routes do
	schema, ok := messageSchemas[strings.ToUpper(m.Kind())]
	if !ok && isAck {
		schema, ok = messageSchemas["ACK"]
	}
	if !ok {
		return nil
	}
	for _, name := range schema.Required {
		if m.Segment(name) == nil {
			return &ParseError{
				Reason:    fmt.Sprintf("%s requires a %s segment", schema.Kind, name),
				ControlID: m.ControlID(),
			}
		}
	}
	return nil
}
