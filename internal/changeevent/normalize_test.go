package changeevent

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeSelectsDocumentByOperation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantOp     string
		wantID     string
		wantData   string
		wantRecord string
	}{
		{
			name:       "insert",
			body:       `{"operationType":"insert","fullDocument":{"_id":{"$oid":"abc123"},"x":1}}`,
			wantOp:     "insert",
			wantID:     "abc123",
			wantData:   `{"_id":{"$oid":"abc123"},"x":1}`,
			wantRecord: `{"operationType": "insert", "data": {"_id": {"$oid": "abc123"}, "x": 1}}`,
		},
		{
			name:       "delete",
			body:       `{"operationType":"delete","fullDocumentBeforeChange":{"_id":{"$oid":"xyz789"}}}`,
			wantOp:     "delete",
			wantID:     "xyz789",
			wantData:   `{"_id":{"$oid":"xyz789"}}`,
			wantRecord: `{"operationType": "delete", "data": {"_id": {"$oid": "xyz789"}}}`,
		},
		{
			name:       "update ignores before image",
			body:       `{"operationType":"update","fullDocument":{"_id":{"$oid":"u1"},"v":2},"fullDocumentBeforeChange":{"_id":{"$oid":"u1"},"v":1}}`,
			wantOp:     "update",
			wantID:     "u1",
			wantData:   `{"_id":{"$oid":"u1"},"v":2}`,
			wantRecord: `{"operationType": "update", "data": {"_id": {"$oid": "u1"}, "v": 2}}`,
		},
		{
			name:       "keys under other casings are ignored",
			body:       `{"operationType":"insert","OperationType":"delete","fullDocument":{"_id":{"$oid":"k1"},"_ID":{"$oid":"k2"}}}`,
			wantOp:     "insert",
			wantID:     "k1",
			wantData:   `{"_id":{"$oid":"k1"},"_ID":{"$oid":"k2"}}`,
			wantRecord: `{"operationType": "insert", "data": {"_id": {"$oid": "k1"}, "_ID": {"$oid": "k2"}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Normalize([]byte(tt.body))
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if rec.OperationType != tt.wantOp {
				t.Fatalf("operationType got %q want %q", rec.OperationType, tt.wantOp)
			}
			if rec.Identifier() != tt.wantID {
				t.Fatalf("identifier got %q want %q", rec.Identifier(), tt.wantID)
			}
			if IdentifierOrFallback(rec, err) != tt.wantID {
				t.Fatalf("fallback should not apply on success")
			}
			assertSameJSON(t, rec.Data, []byte(tt.wantData))

			encoded, err := rec.Encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(encoded) != tt.wantRecord {
				t.Fatalf("encoded got %s want %s", encoded, tt.wantRecord)
			}
		})
	}
}

func TestEncodedRecordRoundTrips(t *testing.T) {
	body := `{"operationType":"replace","fullDocument":{"_id":{"$oid":"r1"},"name":"a, b: \"c\"","tags":["<x>","y"],"n":{"m":null}}}`
	rec, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	encoded, err := rec.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("encoded record is not json: %v (%s)", err, encoded)
	}
	var src map[string]interface{}
	_ = json.Unmarshal([]byte(body), &src)
	want := map[string]interface{}{
		"operationType": "replace",
		"data":          src["fullDocument"],
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestEncodeKeepsSourceLiterals(t *testing.T) {
	rec, err := Normalize([]byte(`{"operationType":"insert","fullDocument":{"_id":{"$oid":"l1"},"u":"\/x","n":1E2,"p":1.50}}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	encoded, err := rec.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"operationType": "insert", "data": {"_id": {"$oid": "l1"}, "u": "\/x", "n": 1E2, "p": 1.50}}`
	if string(encoded) != want {
		t.Fatalf("encoded got %s want %s", encoded, want)
	}
}

func TestNormalizeFailures(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"invalid utf8", []byte{0xff, 0xfe, '{', '}'}, ErrInvalidEncoding},
		{"not json", []byte(`operationType=insert`), ErrInvalidJSON},
		{"array", []byte(`[{"operationType":"insert"}]`), ErrInvalidJSON},
		{"truncated", []byte(`{"operationType":"insert","fullDocument":{`), ErrInvalidJSON},
		{"missing operation", []byte(`{"fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingOperationType},
		{"missing full document", []byte(`{"operationType":"insert"}`), ErrMissingDocument},
		{"delete without before image", []byte(`{"operationType":"delete","fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingDocument},
		{"null document", []byte(`{"operationType":"insert","fullDocument":null}`), ErrMissingDocument},
		{"missing id", []byte(`{"operationType":"insert","fullDocument":{"x":1}}`), ErrMissingIdentifier},
		{"missing oid", []byte(`{"operationType":"insert","fullDocument":{"_id":"plain"}}`), ErrMissingIdentifier},
		{"path in oid", []byte(`{"operationType":"insert","fullDocument":{"_id":{"$oid":"../etc"}}}`), ErrInvalidIdentifier},
		{"empty oid", []byte(`{"operationType":"insert","fullDocument":{"_id":{"$oid":""}}}`), ErrMissingIdentifier},
		{"null operation", []byte(`{"operationType":null,"fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingOperationType},
		{"numeric operation", []byte(`{"operationType":1,"fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingOperationType},
		{"operation type casing", []byte(`{"OPERATIONTYPE":"insert","fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingOperationType},
		{"full document casing", []byte(`{"operationType":"insert","FullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingDocument},
		{"before image casing", []byte(`{"operationType":"delete","FullDocumentBeforeChange":{"_id":{"$oid":"a"}}}`), ErrMissingDocument},
		{"id casing", []byte(`{"operationType":"insert","fullDocument":{"_ID":{"$oid":"a"}}}`), ErrMissingIdentifier},
		{"oid casing", []byte(`{"operationType":"insert","fullDocument":{"_id":{"$OID":"a"}}}`), ErrMissingIdentifier},
		{"delete shadowed by second casing", []byte(`{"operationType":"delete","OperationType":"insert","fullDocument":{"_id":{"$oid":"a"}}}`), ErrMissingDocument},
		{"numeric oid", []byte(`{"operationType":"insert","fullDocument":{"_id":{"$oid":5}}}`), ErrMissingIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Normalize(tt.body)
			if err == nil {
				t.Fatalf("expected error, got record %+v", rec)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if got := IdentifierOrFallback(rec, err); got != FallbackIdentifier {
				t.Fatalf("identifier got %q want %q", got, FallbackIdentifier)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("evt", "abc123"); got != "evt-abc123.txt" {
		t.Fatalf("unexpected file name %q", got)
	}
	if got := FileName("evt", FallbackIdentifier); got != "evt-test.txt" {
		t.Fatalf("unexpected fallback file name %q", got)
	}
}

func assertSameJSON(t *testing.T, got, want []byte) {
	t.Helper()
	var g, w interface{}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("got is not json: %v", err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("want is not json: %v", err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("json mismatch: got %s want %s", got, want)
	}
}
