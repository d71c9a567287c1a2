package domain

import (
	"fmt"
	"strings"
	"time"
)

const maxTitleLength = 200

var (
	validPriorities = []string{"low", "medium", "high", "urgent"}
	validTypes      = []string{"task", "bug", "feature", "chore"}
)

const (
	DefaultPriority = "medium"
	DefaultType     = "task"
)

// Card is a ticket as projected onto the board.
type Card struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Status      Column    `json:"status"`
	Order       int       `json:"order"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Type        string    `json:"type"`
	Assignee    string    `json:"assignee,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StatusUpdate is a partial update of the board position of a card.
// Nil fields are left untouched.
type StatusUpdate struct {
	Status *Column `json:"status,omitempty"`
	Order  *int    `json:"order,omitempty"`
}

// Empty reports whether the update carries no field.
func (u StatusUpdate) Empty() bool {
	return u.Status == nil && u.Order == nil
}

// Validate checks the update against the column set and order bounds.
func (u StatusUpdate) Validate() error {
	if u.Empty() {
		return fmt.Errorf("%w: update had no fields", ErrValidation)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, string(*u.Status))
	}
	if u.Order != nil && *u.Order < 0 {
		return fmt.Errorf("%w: order must not be negative", ErrValidation)
	}
	return nil
}

// Apply writes the set fields of u into c.
func (u StatusUpdate) Apply(c *Card) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Order != nil {
		c.Order = *u.Order
	}
}

// NewCard carries the fields accepted when creating a card.
type NewCard struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Column `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Type        string `json:"type,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// Normalize fills defaults and validates the request.
func (n *NewCard) Normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len(n.Title) > maxTitleLength {
		return fmt.Errorf("%w: title longer than %d characters", ErrValidation, maxTitleLength)
	}
	if n.Status == "" {
		n.Status = ColumnBacklog
	}
	if !n.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, string(n.Status))
	}
	if n.Priority == "" {
		n.Priority = DefaultPriority
	}
	if !contains(validPriorities, n.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, n.Priority)
	}
	if n.Type == "" {
		n.Type = DefaultType
	}
	if !contains(validTypes, n.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrValidation, n.Type)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
