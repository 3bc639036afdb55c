package query

import "errors"

// Error kinds surfaced by the evaluation pipeline. Callers classify a failed
// count with errors.Is against these values.
var (
	// ErrUnsupportedCriterion is returned when a criterion uses a comparator,
	// unit or filter that cannot be expressed as a search query.
	ErrUnsupportedCriterion = errors.New("unsupported criterion")

	// ErrTransportFailure is returned when the remote server answers with a
	// non-2xx status or cannot be reached.
	ErrTransportFailure = errors.New("transport failure")

	// ErrMappingMissing is returned when a term code has no resource mapping.
	ErrMappingMissing = errors.New("mapping missing")

	// ErrSerialization is returned for malformed persisted cache values.
	ErrSerialization = errors.New("serialization failure")

	// ErrInvalidQuery is returned by the query front-ends for documents that
	// cannot be parsed.
	ErrInvalidQuery = errors.New("invalid query")
)

// IsQueryError reports whether err means the query itself is unrepresentable,
// as opposed to the remote server being unavailable.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrUnsupportedCriterion) ||
		errors.Is(err, ErrMappingMissing) ||
		errors.Is(err, ErrInvalidQuery)
}
