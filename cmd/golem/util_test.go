package main

import "testing"

func TestParseWorkerID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"comp-1/worker-a", false},
		{"comp-1", true},
		{"/worker-a", true},
		{"comp-1/", true},
		{"", true},
	}

	for _, tt := range tests {
		id, err := parseWorkerID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseWorkerID(%q): expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseWorkerID(%q): %v", tt.in, err)
		}
		if id.String() != tt.in {
			t.Fatalf("parseWorkerID(%q) = %+v, round-trip mismatch", tt.in, id)
		}
	}
}
