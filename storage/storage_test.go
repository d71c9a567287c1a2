package storage

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

func TestEntityFromCardAnnotatesTypes(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := domain.Card{
		ID:          "c1",
		WorkspaceID: "ws",
		Status:      domain.ColumnReview,
		Order:       0,
		Title:       "Ship it",
		Priority:    "high",
		Type:        "feature",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	data, err := sonic.Marshal(entityFromCard(c))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["PartitionKey"] != "ws" || raw["RowKey"] != "c1" {
		t.Fatalf("unexpected keys: %v", raw)
	}
	if raw["Order@odata.type"] != edmInt32 {
		t.Fatalf("expected Int32 annotation, got %v", raw["Order@odata.type"])
	}
	if raw["CreatedAt@odata.type"] != edmDateTime {
		t.Fatalf("expected DateTime annotation, got %v", raw["CreatedAt@odata.type"])
	}
	if _, ok := raw["Order"]; !ok {
		t.Fatalf("order 0 must be written")
	}

	back, err := decodeCardEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != c {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, c)
	}
}

func TestDecodeCardEntityKeepsUnknownStatus(t *testing.T) {
	c, err := decodeCardEntity([]byte(`{"PartitionKey":"ws","RowKey":"c1","Status":"archived","Order":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Status != "archived" || c.Status.Valid() {
		t.Fatalf("expected raw invalid status, got %q", c.Status)
	}
}

func TestNewCardUpdateOnlyCarriesSetFields(t *testing.T) {
	order := 3
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data, err := sonic.Marshal(newCardUpdate("ws", "c1", domain.StatusUpdate{Order: &order}, now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"Status"`) {
		t.Fatalf("status must be omitted: %s", s)
	}
	if !strings.Contains(s, `"Order":3`) || !strings.Contains(s, `"Order@odata.type":"Edm.Int32"`) {
		t.Fatalf("order missing: %s", s)
	}

	col := domain.ColumnDone
	data, _ = sonic.Marshal(newCardUpdate("ws", "c1", domain.StatusUpdate{Status: &col}, now))
	s = string(data)
	if !strings.Contains(s, `"Status":"done"`) || strings.Contains(s, `"Order"`) {
		t.Fatalf("unexpected status update payload: %s", s)
	}
}

func TestMapResponseError(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusPreconditionFailed, domain.ErrConcurrencyConflict},
		{http.StatusConflict, domain.ErrConcurrencyConflict},
	}
	for _, tc := range cases {
		err := mapResponseError(&azcore.ResponseError{StatusCode: tc.status, ErrorCode: "x"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}

	other := &azcore.ResponseError{StatusCode: http.StatusInternalServerError}
	if err := mapResponseError(other); err != other {
		t.Fatalf("expected passthrough, got %v", err)
	}
	plain := errors.New("boom")
	if err := mapResponseError(plain); err != plain {
		t.Fatalf("expected passthrough, got %v", err)
	}
}

func TestPartitionFilterEscapesQuotes(t *testing.T) {
	got := partitionFilter("o'brien")
	if got != "PartitionKey eq 'o''brien'" {
		t.Fatalf("unexpected filter: %s", got)
	}
}

func TestColumnLength(t *testing.T) {
	cards := []domain.Card{
		{ID: "a", Status: domain.ColumnTodo},
		{ID: "b", Status: domain.ColumnTodo},
		{ID: "c", Status: domain.ColumnDone},
	}
	if n := columnLength(cards, domain.ColumnTodo); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := columnLength(cards, domain.ColumnReview); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
