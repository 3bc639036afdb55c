package fhirtest

// page is an offset window over a result list.
type page struct {
	Offset int
	Count  int
}

// HasNext returns true if there are more results after the current page.
func (p page) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// NextOffset returns the offset for the next page.
func (p page) NextOffset() int {
	return p.Offset + p.Count
}
