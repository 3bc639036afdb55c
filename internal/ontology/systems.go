package ontology

import "strings"

// Code system URIs for well-known terminologies.
const (
	SystemLOINC   = "http://loinc.org"
	SystemSNOMED  = "http://snomed.info/sct"
	SystemICD10   = "http://hl7.org/fhir/sid/icd-10"
	SystemICD10GM = "http://fhir.de/CodeSystem/bfarm/icd-10-gm"
	SystemRxNorm  = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemUCUM    = "http://unitsofmeasure.org"
)

var systemAliases = map[string]string{
	"LOINC":   SystemLOINC,
	"SNOMED":  SystemSNOMED,
	"SCT":     SystemSNOMED,
	"ICD10":   SystemICD10,
	"ICD10GM": SystemICD10GM,
	"RXNORM":  SystemRxNorm,
	"UCUM":    SystemUCUM,
}

// SystemForAlias returns the URI for a short system name such as "LOINC".
// Unknown aliases are returned unchanged.
func SystemForAlias(alias string) string {
	if uri, ok := systemAliases[strings.ToUpper(strings.TrimSpace(alias))]; ok {
		return uri
	}
	return alias
}
