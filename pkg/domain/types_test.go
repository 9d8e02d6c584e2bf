package domain

import "testing"

func TestIngestionStatusTerminal(t *testing.T) {
	tests := map[IngestionStatus]bool{
		StatusLoading: false,
		StatusParsed:  true,
		StatusFailed:  true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
