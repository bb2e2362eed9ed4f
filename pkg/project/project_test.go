package project

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	day := func(s string) *time.Time {
		d, _ := time.Parse(time.DateOnly, s)
		return &d
	}

	ok := Project{Name: "Shop", Objective: "Sell things"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid project rejected: %v", err)
	}

	cases := []struct {
		name string
		p    Project
	}{
		{"blank name", Project{Name: "  ", Objective: "x"}},
		{"long name", Project{Name: strings.Repeat("n", 101), Objective: "x"}},
		{"blank objective", Project{Name: "Shop"}},
		{"long github url", Project{Name: "Shop", Objective: "x", GitHubURL: strings.Repeat("u", 256)}},
		{"end before start", Project{Name: "Shop", Objective: "x", StartDate: day("2025-03-02"), EndDate: day("2025-03-01")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}

	same := Project{Name: "Shop", Objective: "x", StartDate: day("2025-03-01"), EndDate: day("2025-03-01")}
	if err := same.Validate(); err != nil {
		t.Errorf("same-day range rejected: %v", err)
	}
	multibyte := Project{Name: strings.Repeat("é", 100), Objective: "x"}
	if err := multibyte.Validate(); err != nil {
		t.Errorf("100 runes rejected: %v", err)
	}
}

func TestParseDate(t *testing.T) {
	for _, v := range []any{nil, ""} {
		d, err := ParseDate(v)
		if err != nil || d != nil {
			t.Errorf("ParseDate(%#v) = %v, %v; want nil, nil", v, d, err)
		}
	}

	d, err := ParseDate("2025-06-30")
	if err != nil {
		t.Fatal(err)
	}
	if d.Year() != 2025 || d.Month() != time.June || d.Day() != 30 {
		t.Errorf("date = %v", d)
	}

	for _, v := range []any{"30/06/2025", 20250630, "2025-13-01"} {
		if _, err := ParseDate(v); err == nil {
			t.Errorf("ParseDate(%#v) accepted", v)
		}
	}
}
