package changeevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FallbackIdentifier names rejected deliveries whose identifier could not be resolved.
const FallbackIdentifier = "test"

const operationDelete = "delete"

var (
	ErrInvalidEncoding      = errors.New("body is not valid utf-8")
	ErrInvalidJSON          = errors.New("body is not a json object")
	ErrMissingOperationType = errors.New("operationType is missing")
	ErrMissingDocument      = errors.New("document body is missing")
	ErrMissingIdentifier    = errors.New("_id.$oid is missing")
	ErrInvalidIdentifier    = errors.New("_id.$oid is not usable as a file name")
)

// ParseError reports which part of a change event could not be read.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Record is the normalized form written to the lake.
type Record struct {
	OperationType string          `json:"operationType"`
	Data          json.RawMessage `json:"data"`

	identifier string
}

func (r Record) Identifier() string { return r.identifier }

// Normalize selects the document body of a change event and tags it with the
// operation type. Deletes carry fullDocumentBeforeChange, everything else fullDocument.
// Keys are matched exactly; a key under another casing counts as absent.
func Normalize(body []byte) (Record, error) {
	if !utf8.Valid(body) {
		return Record{}, &ParseError{Err: ErrInvalidEncoding}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, &ParseError{Err: ErrInvalidJSON}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Record{}, &ParseError{Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}

	opType, err := stringMember(doc, "operationType")
	switch {
	case errors.Is(err, errNotPresent):
		return Record{}, &ParseError{Field: "operationType", Err: ErrMissingOperationType}
	case err != nil:
		return Record{}, &ParseError{Field: "operationType", Err: fmt.Errorf("%w: %v", ErrMissingOperationType, err)}
	}

	field := "fullDocument"
	if opType == operationDelete {
		field = "fullDocumentBeforeChange"
	}
	selected := bytes.TrimSpace(doc[field])
	if len(selected) == 0 || selected[0] != '{' {
		return Record{}, &ParseError{Field: field, Err: ErrMissingDocument}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(selected, &fields); err != nil {
		return Record{}, &ParseError{Field: field, Err: fmt.Errorf("%w: %v", ErrMissingDocument, err)}
	}
	var idFields map[string]json.RawMessage
	if raw := bytes.TrimSpace(fields["_id"]); len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &idFields)
	}
	id, err := stringMember(idFields, "$oid")
	if err != nil || strings.TrimSpace(id) == "" {
		return Record{}, &ParseError{Field: field + "._id.$oid", Err: ErrMissingIdentifier}
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Record{}, &ParseError{Field: field + "._id.$oid", Err: ErrInvalidIdentifier}
	}

	return Record{
		OperationType: opType,
		Data:          append(json.RawMessage(nil), selected...),
		identifier:    id,
	}, nil
}

var errNotPresent = errors.New("not present")

// stringMember reads the exact key from obj as a JSON string.
func stringMember(obj map[string]json.RawMessage, key string) (string, error) {
	raw := bytes.TrimSpace(obj[key])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errNotPresent
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out, nil
}

// IdentifierOrFallback returns the record identifier, or FallbackIdentifier when
// normalization failed.
func IdentifierOrFallback(rec Record, err error) string {
	if err != nil || rec.identifier == "" {
		return FallbackIdentifier
	}
	return rec.identifier
}

// FileName builds the lake file name for an identifier.
func FileName(prefix, identifier string) string {
	return prefix + "-" + identifier + ".txt"
}
