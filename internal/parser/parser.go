// Package parser selects the query front-end for a document format.
package parser

import (
	"fmt"
	"strings"

	"github.com/ehr/feasibility/internal/parser/csq"
	"github.com/ehr/feasibility/internal/parser/i2b2"
	"github.com/ehr/feasibility/internal/query"
)

// Format names a query document encoding.
type Format string

const (
	FormatCSQ  Format = "CSQ"
	FormatI2B2 Format = "I2B2"
)

// Parser turns a query document into a StructuredQuery.
type Parser interface {
	Parse(data []byte) (query.StructuredQuery, error)
}

// ParseFormat accepts CSQ or I2B2 in any case. Empty means CSQ.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToUpper(strings.TrimSpace(s))) {
	case "", FormatCSQ:
		return FormatCSQ, nil
	case FormatI2B2:
		return FormatI2B2, nil
	default:
		return "", fmt.Errorf("unknown query format %q (want CSQ or I2B2)", s)
	}
}

// For returns the parser for f.
func For(f Format) Parser {
	if f == FormatI2B2 {
		return i2b2.NewParser()
	}
	return csq.NewParser()
}

// Parse decodes data in format f.
func Parse(f Format, data []byte) (query.StructuredQuery, error) {
	return For(f).Parse(data)
}
