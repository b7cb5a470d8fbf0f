package harvester

import (
	"testing"
	"time"
)

func TestParseLineEmailVariant(t *testing.T) {
	line := "2026/01/28 11:23:18.306521 from 188.170.87.33:20129 accepted tcp:accounts.google.com:443 [Sweden1 >> DIRECT] email: 154"

	rec, ok := ParseLine(line)
	if !ok {
		t.Fatal("строка с email: должна парситься")
	}
	if rec.IdentityHint != "154" {
		t.Errorf("hint = %q, want 154", rec.IdentityHint)
	}
	if rec.IPAddress != "188.170.87.33" {
		t.Errorf("ip = %q, want 188.170.87.33", rec.IPAddress)
	}
	want := time.Date(2026, 1, 28, 11, 23, 18, 0, time.UTC)
	if !rec.ConnectedAt.Equal(want) {
		t.Errorf("connected_at = %v, want %v", rec.ConnectedAt, want)
	}
}

func TestParseLineBracketVariant(t *testing.T) {
	line := "2026/01/27 12:00:00 [Info] app/proxyman/inbound: [user@email] 1.2.3.4:12345 accepted tcp:example.com:443"

	rec, ok := ParseLine(line)
	if !ok {
		t.Fatal("строка со [скобками] должна парситься")
	}
	if rec.IdentityHint != "user@email" {
		t.Errorf("hint = %q, want user@email", rec.IdentityHint)
	}
	if rec.IPAddress != "1.2.3.4" {
		t.Errorf("ip = %q, want 1.2.3.4", rec.IPAddress)
	}
}

func TestParseLineSkips(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"2026/01/27 12:00:00 [Info] transport/internet: rejected connection",
		"2026/01/27 12:00:00 random noise without the keyword",
		"accepted but no timestamp or address",
	}

	for _, line := range lines {
		if _, ok := ParseLine(line); ok {
			t.Errorf("строка не должна парситься: %q", line)
		}
	}
}

func TestParseLineBadTimestampFallsBack(t *testing.T) {
	// Грамматика требует валидной формы даты, но защищаемся и от
	// вырожденного случая: время подставляется текущее.
	before := time.Now().UTC()
	rec, ok := ParseLine("2026/02/30 11:11:11 from 1.2.3.4:1 accepted email: 7")
	if !ok {
		t.Fatal("строка должна пройти грамматику")
	}
	if rec.ConnectedAt.Before(before.Add(-time.Minute)) {
		t.Errorf("битая дата должна давать текущее время, получено %v", rec.ConnectedAt)
	}
}
