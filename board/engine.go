package board

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Intent is a partial update the engine wants persisted for one card.
type Intent struct {
	CardID string
	Update domain.StatusUpdate
}

// IntentSink receives persistence intents. Submit must not block the caller
// on network I/O.
type IntentSink interface {
	Submit(in Intent)
}

// MoveKind classifies the outcome of EndDrag.
type MoveKind int

const (
	// MoveNone means the gesture changed nothing.
	MoveNone MoveKind = iota
	// MoveReorder is a reorder inside one column.
	MoveReorder
	// MoveTransfer moves a card to the end of another column.
	MoveTransfer
)

func (k MoveKind) String() string {
	switch k {
	case MoveReorder:
		return "reorder"
	case MoveTransfer:
		return "transfer"
	default:
		return "none"
	}
}

// Move describes what EndDrag did.
type Move struct {
	Kind    MoveKind
	CardID  string
	From    domain.Column
	To      domain.Column
	Intents []Intent
}

// Engine reconciles server snapshots with local drag edits.
type Engine struct {
	mu      sync.Mutex
	cards   []domain.Card
	session *dragSession

	sink    IntentSink
	logger  *log.Logger
	metrics *Metrics
}

// NewEngine creates an engine with an empty board. Intents produced by drags
// are handed to sink; metrics may be nil.
func NewEngine(sink IntentSink, logger *log.Logger, metrics *Metrics) *Engine {
	if sink == nil {
		panic("board.NewEngine: intent sink is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		cards:   []domain.Card{},
		session: newDragSession(),
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// IngestSnapshot replaces the local layer with cards unless a drag is in
// progress, in which case the snapshot is dropped. It reports whether the
// snapshot was adopted.
func (e *Engine) IngestSnapshot(cards []domain.Card) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.active() {
		e.metrics.snapshot(false)
		e.logger.WithFields(log.Fields{"cards": len(cards), "dragging": e.session.cardID}).Debug("snapshot suppressed during drag")
		return false
	}
	e.cards = cloneCards(cards)
	e.metrics.snapshot(true)
	return true
}

// BeginDrag opens a drag session for cardID.
func (e *Engine) BeginDrag(cardID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.begin(cardID)
}

// Dragging returns the id of the card being dragged, if any.
func (e *Engine) Dragging() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.active() {
		return "", false
	}
	return e.session.cardID, true
}

// Cards returns a copy of the local layer.
func (e *Engine) Cards() []domain.Card {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneCards(e.cards)
}

// Board returns the local layer grouped by column.
func (e *Engine) Board() Board {
	e.mu.Lock()
	defer e.mu.Unlock()
	return GroupByStatus(e.cards)
}

// EndDrag closes the drag session and resolves the drop of draggedID onto
// dropTargetID, which is either a column literal or another card's id. An
// empty dropTargetID means the gesture was cancelled. The local layer is
// updated before any intent is submitted.
func (e *Engine) EndDrag(draggedID, dropTargetID string) Move {
	e.mu.Lock()
	e.session.end()
	move := e.resolveLocked(draggedID, dropTargetID)
	e.mu.Unlock()

	e.metrics.move(move.Kind)
	if move.Kind != MoveNone {
		e.logger.WithFields(log.Fields{
			"card":    move.CardID,
			"kind":    move.Kind.String(),
			"from":    move.From,
			"to":      move.To,
			"intents": len(move.Intents),
		}).Debug("drag resolved")
	}
	for _, in := range move.Intents {
		e.sink.Submit(in)
	}
	return move
}

func (e *Engine) resolveLocked(draggedID, dropTargetID string) Move {
	none := Move{Kind: MoveNone, CardID: draggedID}
	if dropTargetID == "" {
		return none
	}
	dragIdx := indexOf(e.cards, draggedID)
	if dragIdx < 0 {
		return none
	}
	from := e.cards[dragIdx].Status

	target, overCard := e.targetLocked(dropTargetID)
	if target == "" {
		return none
	}
	none.From, none.To = from, target

	board := GroupByStatus(e.cards)
	if from != target {
		order := len(board[target])
		e.cards[dragIdx].Status = target
		e.cards[dragIdx].Order = order
		return Move{
			Kind:    MoveTransfer,
			CardID:  draggedID,
			From:    from,
			To:      target,
			Intents: []Intent{{CardID: draggedID, Update: statusAndOrder(target, order)}},
		}
	}

	if !overCard {
		return none
	}
	lane := board[target]
	oldIdx := indexOf(lane, draggedID)
	newIdx := indexOf(lane, dropTargetID)
	if oldIdx < 0 || newIdx < 0 || oldIdx == newIdx {
		return none
	}

	moved := moveCard(lane, oldIdx, newIdx)
	intents := make([]Intent, 0, len(moved))
	for pos, c := range moved {
		if c.Order == pos {
			continue
		}
		if i := indexOf(e.cards, c.ID); i >= 0 {
			e.cards[i].Order = pos
		}
		intents = append(intents, Intent{CardID: c.ID, Update: orderOnly(pos)})
	}
	return Move{Kind: MoveReorder, CardID: draggedID, From: from, To: target, Intents: intents}
}

// targetLocked resolves a drop target to a column. overCard is true when the
// target named a card rather than a column.
func (e *Engine) targetLocked(dropTargetID string) (col domain.Column, overCard bool) {
	if c, ok := domain.ParseColumn(dropTargetID); ok {
		return c, false
	}
	if i := indexOf(e.cards, dropTargetID); i >= 0 && e.cards[i].Status.Valid() {
		return e.cards[i].Status, true
	}
	return "", false
}

func statusAndOrder(col domain.Column, order int) domain.StatusUpdate {
	return domain.StatusUpdate{Status: &col, Order: &order}
}

func orderOnly(order int) domain.StatusUpdate {
	return domain.StatusUpdate{Order: &order}
}

func cloneCards(cards []domain.Card) []domain.Card {
	out := make([]domain.Card, len(cards))
	copy(out, cards)
	return out
}
