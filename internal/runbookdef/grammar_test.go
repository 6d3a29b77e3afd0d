package runbookdef

import (
	"testing"
	"time"
)

func TestParseOffset(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "zero", raw: "T-0", want: 0},
		{name: "days", raw: "T-5d", want: 5 * 24 * 60},
		{name: "hours", raw: "T-2h", want: 120},
		{name: "minutes", raw: "T-30m", want: 30},
		{name: "seconds round up", raw: "T-1s", want: 1},
		{name: "seconds round up to two", raw: "T-90s", want: 2},
		{name: "missing T prefix", raw: "5d", wantErr: true},
		{name: "missing unit for nonzero", raw: "T-5", wantErr: true},
		{name: "bad unit", raw: "T-5x", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOffset(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseOffset(%q) expected error, got %d", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffset(%q) unexpected error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseOffset(%q) = %d, want %d", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseOffsetRoundTrip(t *testing.T) {
	inputs := []string{"T-0", "T-1d", "T-3h", "T-45m", "T-90s"}
	for _, raw := range inputs {
		minutes, err := ParseOffset(raw)
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", raw, err)
		}
		rendered := RenderOffset(minutes)
		reparsed, err := ParseOffset(rendered)
		if err != nil {
			t.Fatalf("ParseOffset(%q) (rendered from %q): %v", rendered, raw, err)
		}
		if reparsed != minutes {
			t.Fatalf("round trip for %q: got %d minutes, rendered %q reparsed to %d", raw, minutes, rendered, reparsed)
		}
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "30s", want: 30},
		{raw: "5m", want: 300},
		{raw: "2h", want: 7200},
		{raw: "1d", want: 86400},
		{raw: "T-5m", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDuration(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDuration(%q) unexpected error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestCalculateDueAt(t *testing.T) {
	base := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)

	if due := CalculateDueAt(&base, 0); due == nil || !due.Equal(base) {
		t.Fatalf("CalculateDueAt(t, 0) = %v, want %v", due, base)
	}

	oneDay, err := ParseOffset("T-1d")
	if err != nil {
		t.Fatalf("ParseOffset: %v", err)
	}
	want := base.Add(-24 * time.Hour)
	if due := CalculateDueAt(&base, oneDay); due == nil || !due.Equal(want) {
		t.Fatalf("CalculateDueAt(t, T-1d) = %v, want %v", due, want)
	}

	if due := CalculateDueAt(nil, 10); due != nil {
		t.Fatalf("CalculateDueAt(nil, 10) = %v, want nil", due)
	}
}

func TestDynamicTableName(t *testing.T) {
	got := DynamicTableName("Tenant Migration: EU->US", 3)
	want := "runbook_tenant_migration_eu_us_v3"
	if got != want {
		t.Fatalf("DynamicTableName = %q, want %q", got, want)
	}
}
