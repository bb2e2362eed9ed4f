package feedback

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		f    Feedback
		ok   bool
	}{
		{"valid", Feedback{Title: "Nice", Content: "Works well", Rating: 5}, true},
		{"lowest rating", Feedback{Title: "Meh", Content: "Slow", Rating: 1}, true},
		{"rating zero", Feedback{Title: "x", Content: "y", Rating: 0}, false},
		{"rating six", Feedback{Title: "x", Content: "y", Rating: 6}, false},
		{"blank title", Feedback{Title: "  ", Content: "y", Rating: 3}, false},
		{"no content", Feedback{Title: "x", Rating: 3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.f.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}
