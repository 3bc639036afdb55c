package fhir

import "encoding/json"

// Bundle represents a FHIR searchset Bundle. Only the fields needed for
// paging and identifier extraction are modelled; unknown fields are ignored.
type Bundle struct {
	Link  []BundleLink  `json:"link,omitempty"`
	Entry []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Reference is a FHIR Reference reduced to its literal reference.
type Reference struct {
	Reference string `json:"reference,omitempty"`
}

// patientRefs holds the elements requested through _elements.
type patientRefs struct {
	ID      string     `json:"id,omitempty"`
	Patient *Reference `json:"patient,omitempty"`
	Subject *Reference `json:"subject,omitempty"`
}

// LinkURL returns the URL of the link with the given relation.
func (b *Bundle) LinkURL(relation string) (string, bool) {
	for _, l := range b.Link {
		if l.Relation == relation && l.URL != "" {
			return l.URL, true
		}
	}
	return "", false
}

// PatientID extracts the patient identifier of an entry: the patient
// reference, else the subject reference, else the resource id.
func (e BundleEntry) PatientID() (string, bool) {
	if len(e.Resource) == 0 {
		return "", false
	}
	var refs patientRefs
	if err := json.Unmarshal(e.Resource, &refs); err != nil {
		return "", false
	}
	switch {
	case refs.Patient != nil && refs.Patient.Reference != "":
		return ReferenceID(refs.Patient.Reference), true
	case refs.Subject != nil && refs.Subject.Reference != "":
		return ReferenceID(refs.Subject.Reference), true
	case refs.ID != "":
		return refs.ID, true
	}
	return "", false
}
