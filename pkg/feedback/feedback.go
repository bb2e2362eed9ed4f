package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Feedback is a user's rating of the product.
type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrInvalid = errors.New("invalid feedback")

// Validate checks title, content and the 1..5 rating.
func (f *Feedback) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalid)
	}
	return nil
}

// Store is the contract for feedback persistence.
type Store interface {
	Create(ctx context.Context, f *Feedback) (*Feedback, error)
	List(ctx context.Context, limit int) ([]Feedback, error)
	EnsureTable(ctx context.Context) error
}
