package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const maxUpdateAttempts = 5

// Storage keeps cards in Azure Table Storage, one partition per workspace.
type Storage struct {
	cardTable *aztables.Client
	now       func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, cardsTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{cardTable: svc.NewClient(cardsTable), now: time.Now}, nil
}

// ListCards retrieves every card of a workspace.
func (s *Storage) ListCards(ctx context.Context, workspaceID string) ([]domain.Card, error) {
	filter := partitionFilter(workspaceID)
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			c, err := decodeCardEntity(e)
			if err != nil {
				return nil, err
			}
			cards = append(cards, c)
		}
	}
	return cards, nil
}

// GetCard loads a single card.
func (s *Storage) GetCard(ctx context.Context, workspaceID, cardID string) (domain.Card, error) {
	c, _, err := s.getCard(ctx, workspaceID, cardID)
	return c, err
}

func (s *Storage) getCard(ctx context.Context, workspaceID, cardID string) (domain.Card, azcore.ETag, error) {
	resp, err := s.cardTable.GetEntity(ctx, workspaceID, cardID, nil)
	if err != nil {
		return domain.Card{}, "", mapResponseError(err)
	}
	c, err := decodeCardEntity(resp.Value)
	if err != nil {
		return domain.Card{}, "", err
	}
	return c, resp.ETag, nil
}

// CreateCard inserts c at the end of its column.
func (s *Storage) CreateCard(ctx context.Context, workspaceID string, c domain.Card) (domain.Card, error) {
	cards, err := s.ListCards(ctx, workspaceID)
	if err != nil {
		return domain.Card{}, err
	}
	c.WorkspaceID = workspaceID
	c.Order = columnLength(cards, c.Status)
	payload, err := sonic.Marshal(entityFromCard(c))
	if err != nil {
		return domain.Card{}, err
	}
	if _, err := s.cardTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Card{}, mapResponseError(err)
	}
	return c, nil
}

// UpdateStatus merges a partial status/order update into a card. The write is
// guarded by the entity ETag and retried after a reload on conflict.
func (s *Storage) UpdateStatus(ctx context.Context, workspaceID, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	if err := upd.Validate(); err != nil {
		return domain.Card{}, err
	}
	for attempt := 1; ; attempt++ {
		current, etag, err := s.getCard(ctx, workspaceID, cardID)
		if err != nil {
			return domain.Card{}, err
		}
		now := s.now()
		payload, err := sonic.Marshal(newCardUpdate(workspaceID, cardID, upd, now))
		if err != nil {
			return domain.Card{}, err
		}
		_, err = s.cardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		if err == nil {
			upd.Apply(&current)
			current.UpdatedAt = now.UTC()
			return current, nil
		}
		err = mapResponseError(err)
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= maxUpdateAttempts {
			return domain.Card{}, err
		}
	}
}

// DeleteCard removes a card.
func (s *Storage) DeleteCard(ctx context.Context, workspaceID, cardID string) error {
	if _, err := s.cardTable.DeleteEntity(ctx, workspaceID, cardID, nil); err != nil {
		return mapResponseError(err)
	}
	return nil
}

// Ping checks that the table is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if !pager.More() {
		return nil
	}
	_, err := pager.NextPage(ctx)
	return err
}

func partitionFilter(workspaceID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(workspaceID, "'", "''") + "'"
}

func columnLength(cards []domain.Card, col domain.Column) int {
	n := 0
	for _, c := range cards {
		if c.Status == col {
			n++
		}
	}
	return n
}

func mapResponseError(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, respErr.ErrorCode)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, respErr.ErrorCode)
	}
	return err
}

// EnsureTable creates the cards table if it does not exist yet.
func (s *Storage) EnsureTable(ctx context.Context) error {
	_, err := s.cardTable.CreateTable(ctx, nil)
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
		return nil
	}
	return err
}
