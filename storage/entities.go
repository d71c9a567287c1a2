package storage

import (
	"github.com/bytedance/sonic"
	"time"

	"prism-board/domain"
)

const (
	edmInt32    = "Edm.Int32"
	edmDateTime = "Edm.DateTime"
)

// cardEntity is the table row of a card. PartitionKey is the workspace id and
// RowKey the card id.
type cardEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Status        string    `json:"Status"`
	Order         int       `json:"Order"`
	OrderType     string    `json:"Order@odata.type,omitempty"`
	Title         string    `json:"Title"`
	Description   string    `json:"Description,omitempty"`
	Priority      string    `json:"Priority"`
	Type          string    `json:"Type"`
	Assignee      string    `json:"Assignee,omitempty"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type,omitempty"`
}

// cardUpdate carries a merge update; nil fields are left untouched.
type cardUpdate struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Status        *string   `json:"Status,omitempty"`
	Order         *int      `json:"Order,omitempty"`
	OrderType     *string   `json:"Order@odata.type,omitempty"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

func entityFromCard(c domain.Card) cardEntity {
	return cardEntity{
		PartitionKey:  c.WorkspaceID,
		RowKey:        c.ID,
		Status:        string(c.Status),
		Order:         c.Order,
		OrderType:     edmInt32,
		Title:         c.Title,
		Description:   c.Description,
		Priority:      c.Priority,
		Type:          c.Type,
		Assignee:      c.Assignee,
		CreatedAt:     c.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
		UpdatedAt:     c.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
}

func (e cardEntity) card() domain.Card {
	return domain.Card{
		ID:          e.RowKey,
		WorkspaceID: e.PartitionKey,
		Status:      domain.Column(e.Status),
		Order:       e.Order,
		Title:       e.Title,
		Description: e.Description,
		Priority:    e.Priority,
		Type:        e.Type,
		Assignee:    e.Assignee,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func decodeCardEntity(data []byte) (domain.Card, error) {
	var ent cardEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Card{}, err
	}
	return ent.card(), nil
}

func newCardUpdate(workspaceID, cardID string, upd domain.StatusUpdate, now time.Time) cardUpdate {
	out := cardUpdate{
		PartitionKey:  workspaceID,
		RowKey:        cardID,
		UpdatedAt:     now.UTC(),
		UpdatedAtType: edmDateTime,
	}
	if upd.Status != nil {
		s := string(*upd.Status)
		out.Status = &s
	}
	if upd.Order != nil {
		o := *upd.Order
		t := edmInt32
		out.Order = &o
		out.OrderType = &t
	}
	return out
}
