package api

import (
	"context"
	"errors"

	"prism-board/domain"
)

// Storage abstracts card persistence for handlers.
type Storage interface {
	ListCards(ctx context.Context, workspaceID string) ([]domain.Card, error)
	GetCard(ctx context.Context, workspaceID, cardID string) (domain.Card, error)
	CreateCard(ctx context.Context, workspaceID string, c domain.Card) (domain.Card, error)
	UpdateStatus(ctx context.Context, workspaceID, cardID string, upd domain.StatusUpdate) (domain.Card, error)
	DeleteCard(ctx context.Context, workspaceID, cardID string) error
	Ping(ctx context.Context) error
}

// Authenticator resolves the caller from an Authorization header.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (Principal, error)
}

// Principal is an authenticated caller.
type Principal struct {
	UserID        string
	Workspaces    []string
	AllWorkspaces bool
}

// CanAccess reports whether the caller is a member of workspaceID.
func (p Principal) CanAccess(workspaceID string) bool {
	if p.AllWorkspaces {
		return true
	}
	for _, ws := range p.Workspaces {
		if ws == workspaceID {
			return true
		}
	}
	return false
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, scope, key string) error
}

// EventPublisher receives a CardEvent after every successful mutation.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.CardEvent) error
}

// Subscriber hands out per-workspace change feeds.
type Subscriber interface {
	Subscribe(workspaceID string) (<-chan domain.CardEvent, func())
}

// Publishers fans an event out to several publishers.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, ev domain.CardEvent) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
