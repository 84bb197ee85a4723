package sast

import (
	"testing"
	"time"
)

func TestParseNaiveAssumesSAST(t *testing.T) {
	parsed, err := Parse("2026-03-15T10:30:00")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	_, offset := parsed.Zone()
	if offset != 2*60*60 {
		t.Errorf("expected UTC+2 offset, got %d", offset)
	}
	if parsed.Hour() != 10 {
		t.Errorf("naive hour should be preserved as civil time, got %d", parsed.Hour())
	}
}

func TestParseOffsetConvertsToSAST(t *testing.T) {
	parsed, err := Parse("2026-03-15T10:30:00Z")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Hour() != 12 {
		t.Errorf("10:30 UTC should be 12:30 SAST, got hour %d", parsed.Hour())
	}
}

func TestParseDateOnly(t *testing.T) {
	parsed, err := Parse("2026-03-15")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Hour() != 0 || parsed.Day() != 15 {
		t.Errorf("unexpected parse result: %v", parsed)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty timestamp")
	}
}

func TestFloorDays(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{36 * time.Hour, 1},
		{24 * time.Hour, 1},
		{23 * time.Hour, 0},
		{0, 0},
		{-1 * time.Hour, -1},
		{-25 * time.Hour, -2},
		{-24 * time.Hour, -1},
	}
	for _, c := range cases {
		if got := FloorDays(c.d); got != c.want {
			t.Errorf("FloorDays(%v) = %d, want %d", c.d, got, c.want)
		}
	}
}

func TestCeilDays(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{18 * 24 * time.Hour, 18},
		{18*24*time.Hour + time.Second, 19},
		{time.Second, 1},
		{0, 0},
		{-1 * time.Hour, 0},
	}
	for _, c := range cases {
		if got := CeilDays(c.d); got != c.want {
			t.Errorf("CeilDays(%v) = %d, want %d", c.d, got, c.want)
		}
	}
}
