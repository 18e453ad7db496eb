package util

import "testing"

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v): got %q, want %q", tc.in, got, tc.want)
		}
		if got := formatBytes(tc.in); len(got) != 8 {
			t.Errorf("formatBytes(%v): width %d, want 8", tc.in, len(got))
		}
	}
}

func TestStatsActive(t *testing.T) {
	s := &stats{}
	s.OpenStream()
	s.OpenStream()
	s.CloseStream()
	if got := s.Active(); got != 1 {
		t.Errorf("Active: got %d, want 1", got)
	}
}

func TestStreamTag(t *testing.T) {
	if got := StreamTag(0x2a); got != "[0000002a]" {
		t.Errorf("StreamTag: got %q", got)
	}
}
