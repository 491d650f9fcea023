package topic

import "testing"

func TestForChannel(t *testing.T) {
	got := ForChannel(DomainChat, "conv-42")
	if got != "rt.chat.conv-42" {
		t.Errorf("expected rt.chat.conv-42, got %q", got)
	}
}

func TestSplitRoundTrip(t *testing.T) {
	cases := []struct {
		domain  string
		channel string
	}{
		{DomainChat, "conv-42"},
		{DomainLocation, "booking-7"},
		{DomainChat, "id.with.dots"},
	}

	for _, tc := range cases {
		subject := ForChannel(tc.domain, tc.channel)
		domain, channel, ok := Split(subject)
		if !ok {
			t.Errorf("Split(%q) not ok", subject)
			continue
		}
		if domain != tc.domain || channel != tc.channel {
			t.Errorf("Split(%q) = (%q, %q), expected (%q, %q)",
				subject, domain, channel, tc.domain, tc.channel)
		}
	}
}

func TestSplitRejectsForeignSubjects(t *testing.T) {
	for _, subject := range []string{
		"",
		"rt",
		"rt.chat",
		"rt.chat.",
		"rt..conv-42",
		"other.chat.conv-42",
	} {
		if _, _, ok := Split(subject); ok {
			t.Errorf("Split(%q) unexpectedly ok", subject)
		}
	}
}
