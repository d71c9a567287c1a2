package domain

const (
	CardCreated = "card-created"
	CardUpdated = "card-updated"
	CardDeleted = "card-deleted"
)

// CardEvent describes a change to a card. It is published to realtime
// subscribers and enqueued for the notification pipeline.
type CardEvent struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	CardID      string `json:"cardId"`
	UserID      string `json:"userId,omitempty"`
	Card        *Card  `json:"card,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// NotificationCardsChanged tells board clients to fetch a fresh snapshot.
const NotificationCardsChanged = "cards-changed"

// ChangeNotification is the push message sent to websocket clients.
type ChangeNotification struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	CardID      string `json:"cardId,omitempty"`
	Event       string `json:"event,omitempty"`
}
