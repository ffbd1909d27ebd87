package connid

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestGenerate(t *testing.T) {
	id := Generate()
	if len(id) != 16 {
		t.Errorf("Generate() returned ID of length %d, want 16", len(id))
	}
	if !IsValid(id) {
		t.Errorf("Generate() returned invalid ID: %s", id)
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if seen[id] {
			t.Errorf("Generate() produced duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestGenerate_TimeSortable(t *testing.T) {
	id1 := Generate()
	time.Sleep(1100 * time.Millisecond)
	id2 := Generate()

	// Compare only the timestamp prefix (first 8 hex chars = 4 bytes).
	if id2[:8] < id1[:8] {
		t.Errorf("IDs not time-sortable: %s generated after %s but sorts before", id2, id1)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"valid ID", "0123456789abcdef", true},
		{"valid ID all zeros", "0000000000000000", true},
		{"valid ID all f", "ffffffffffffffff", true},
		{"too short", "0123456789abcde", false},
		{"too long", "0123456789abcdef0", false},
		{"uppercase", "0123456789ABCDEF", false},
		{"invalid chars", "0123456789ghijkl", false},
		{"empty", "", false},
		{"spaces", "01234567 9abcdef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.id); got != tt.valid {
				t.Errorf("IsValid(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestLoggerAttachesField(t *testing.T) {
	base := zaptest.NewLogger(t)
	scoped := Logger(base)
	if scoped == base {
		t.Error("Logger() did not create a scoped logger")
	}
}

func TestLoggerNilBase(t *testing.T) {
	if Logger(nil) == nil {
		t.Error("Logger(nil) returned nil")
	}
	var _ *zap.Logger = Logger(nil)
}
