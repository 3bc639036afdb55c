package cache

import (
	"fmt"

	"github.com/ehr/feasibility/internal/query"
)

// codecVersion is the only persisted format understood.
const codecVersion byte = 0

// maxIDLen is the longest identifier a length byte can describe.
const maxIDLen = 255

// Marshal encodes a set for a durable tier: one version byte, then for each
// identifier in ascending order a length byte followed by its bytes.
func Marshal(ids query.PatientIDSet) ([]byte, error) {
	sorted := ids.Sorted()
	size := 1
	for _, id := range sorted {
		if len(id) > maxIDLen {
			return nil, fmt.Errorf("identifier of %d bytes exceeds %d: %w", len(id), maxIDLen, query.ErrSerialization)
		}
		size += 1 + len(id)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, codecVersion)
	for _, id := range sorted {
		buf = append(buf, byte(len(id)))
		buf = append(buf, id...)
	}
	return buf, nil
}

// Unmarshal decodes a value produced by Marshal.
func Unmarshal(data []byte) (query.PatientIDSet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", query.ErrSerialization)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("unknown version %d: %w", data[0], query.ErrSerialization)
	}

	ids := query.NewPatientIDSet()
	for i := 1; i < len(data); {
		n := int(data[i])
		i++
		if i+n > len(data) {
			return nil, fmt.Errorf("identifier at offset %d truncated: %w", i-1, query.ErrSerialization)
		}
		ids.Add(string(data[i : i+n]))
		i += n
	}
	return ids, nil
}
