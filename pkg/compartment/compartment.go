// Package compartment decides whether a FHIR resource belongs to a
// compartment, e.g. whether an Observation is part of Patient/123's
// patient compartment.
//
// Membership is determined by a rule table keyed by resource type and
// compartment type: a resource is a member when any of the listed
// reference-valued fields points at "<CompartmentType>/<id>". Resources
// lacking the fields are simply not members; membership checks never fail.
package compartment

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// PatientCompartment is the compartment type anchored on a Patient resource.
const PatientCompartment = "Patient"

// membershipRules maps compartment type -> resource type -> reference paths
// that establish membership. Paths use gjson syntax; each may resolve to a
// single reference object or an array of them.
//
// This table covers the clinical resource types the platform serves. It is
// a subset of the full FHIR Patient CompartmentDefinition; types absent
// from the table are never compartment members.
var membershipRules = map[string]map[string][]string{
	PatientCompartment: {
		"Patient":               {"id"},
		"Observation":           {"subject.reference", "performer.#.reference"},
		"Condition":             {"subject.reference", "asserter.reference"},
		"Encounter":             {"subject.reference"},
		"MedicationRequest":     {"subject.reference", "requester.reference"},
		"MedicationStatement":   {"subject.reference"},
		"AllergyIntolerance":    {"patient.reference", "recorder.reference", "asserter.reference"},
		"Immunization":          {"patient.reference"},
		"Procedure":             {"subject.reference", "performer.#.actor.reference"},
		"DiagnosticReport":      {"subject.reference", "performer.#.reference"},
		"DocumentReference":     {"subject.reference", "author.#.reference"},
		"CarePlan":              {"subject.reference"},
		"CareTeam":              {"subject.reference", "participant.#.member.reference"},
		"Goal":                  {"subject.reference"},
		"ServiceRequest":        {"subject.reference"},
		"Appointment":           {"participant.#.actor.reference"},
		"Coverage":              {"beneficiary.reference", "subscriber.reference"},
		"Communication":         {"subject.reference", "recipient.#.reference", "sender.reference"},
		"QuestionnaireResponse": {"subject.reference", "author.reference"},
		"RelatedPerson":         {"patient.reference"},
	},
	"Encounter": {
		"Observation":       {"encounter.reference"},
		"Condition":         {"encounter.reference"},
		"Procedure":         {"encounter.reference"},
		"DiagnosticReport":  {"encounter.reference"},
		"MedicationRequest": {"encounter.reference"},
	},
}

// InCompartment reports whether the given resource JSON belongs to the
// compartment identified by compartmentType and compartmentID. A resource
// without the relevant reference fields is not a member; malformed JSON is
// likewise not a member.
func InCompartment(compartmentType, compartmentID string, resource []byte) bool {
	if compartmentType == "" || compartmentID == "" || len(resource) == 0 {
		return false
	}

	parsed := gjson.ParseBytes(resource)
	resourceType := parsed.Get("resourceType").String()
	if resourceType == "" {
		return false
	}

	// The anchor resource is always a member of its own compartment.
	if resourceType == compartmentType {
		return parsed.Get("id").String() == compartmentID
	}

	paths, ok := membershipRules[compartmentType][resourceType]
	if !ok {
		return false
	}

	target := fmt.Sprintf("%s/%s", compartmentType, compartmentID)
	for _, path := range paths {
		if matchesReference(parsed.Get(path), target) {
			return true
		}
	}
	return false
}

// matchesReference compares a gjson result against the target reference.
// Array results (from "#" paths) are walked element-wise.
func matchesReference(result gjson.Result, target string) bool {
	if !result.Exists() {
		return false
	}
	if result.IsArray() {
		for _, elem := range result.Array() {
			if referenceEquals(elem.String(), target) {
				return true
			}
		}
		return false
	}
	return referenceEquals(result.String(), target)
}

// referenceEquals reports whether a reference value points at the target
// "Type/id". Accepts the relative form and absolute URLs such as
// "https://ehr.example/fhir/Patient/1".
func referenceEquals(ref, target string) bool {
	return ref == target || strings.HasSuffix(ref, "/"+target)
}
