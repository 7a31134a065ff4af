package domain

import (
	"fmt"
	"strings"
)

// BookPublished is raised by the catalog after a book is durably created.
type BookPublished struct {
	BookID    int64   `json:"bookId"`
	Title     string  `json:"title"`
	Year      int     `json:"year"`
	AuthorIDs []int64 `json:"authorIds"`
}

func (e BookPublished) Validate() error {
	if e.BookID <= 0 {
		return fmt.Errorf("%w: bookId is required", ErrValidation)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	for _, id := range e.AuthorIDs {
		if id <= 0 {
			return fmt.Errorf("%w: invalid author id %d", ErrValidation, id)
		}
	}
	return nil
}

// Subscriber is one phone subscription to one author.
type Subscriber struct {
	SubscriptionID int64
	AuthorID       int64
	AuthorName     string
	Phone          string
}
