package id

import "testing"

func TestNewIsUniqueUUID(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		got, err := New()
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		if !Valid(got) {
			t.Fatalf("expected a UUID, got %q", got)
		}
		if _, dup := seen[got]; dup {
			t.Fatalf("duplicate id %s", got)
		}
		seen[got] = struct{}{}
	}
}
