package transport

import "testing"

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"job_ack","job_id":"j1"}`))
	if err != nil {
		t.Fatalf("peek type: %v", err)
	}
	if typ != "job_ack" {
		t.Fatalf("typ = %q, want job_ack", typ)
	}
}

func TestPeekType_MissingTypeErrors(t *testing.T) {
	if _, err := PeekType([]byte(`{"job_id":"j1"}`)); err == nil {
		t.Fatal("expected error for a message with no type tag")
	}
}

func TestPeekType_InvalidJSONErrors(t *testing.T) {
	if _, err := PeekType([]byte(`not json`)); err == nil {
		t.Fatal("expected error decoding invalid JSON")
	}
}
