package board

import (
	"sort"

	"prism-board/domain"
)

// Board maps every column to its cards ordered ascending by Order.
type Board map[domain.Column][]domain.Card

// GroupByStatus partitions cards into the fixed set of columns. Every column is
// present, empty columns included. Cards with an unknown status are left out.
// Ties on Order keep their relative position from cards. The input is not
// modified.
func GroupByStatus(cards []domain.Card) Board {
	b := make(Board, len(domain.Columns))
	for _, col := range domain.Columns {
		b[col] = []domain.Card{}
	}
	for _, c := range cards {
		lane, ok := b[c.Status]
		if !ok {
			continue
		}
		b[c.Status] = append(lane, c)
	}
	for _, lane := range b {
		sort.SliceStable(lane, func(i, j int) bool { return lane[i].Order < lane[j].Order })
	}
	return b
}

// IDs returns the card ids of a column in board order.
func (b Board) IDs(col domain.Column) []string {
	lane := b[col]
	ids := make([]string, len(lane))
	for i, c := range lane {
		ids[i] = c.ID
	}
	return ids
}

func indexOf(cards []domain.Card, id string) int {
	for i := range cards {
		if cards[i].ID == id {
			return i
		}
	}
	return -1
}

// moveCard returns a copy of lane with the element at from reinserted at to.
// Elements between the two positions shift by one towards from.
func moveCard(lane []domain.Card, from, to int) []domain.Card {
	out := make([]domain.Card, 0, len(lane))
	out = append(out, lane[:from]...)
	out = append(out, lane[from+1:]...)
	out = append(out[:to], append([]domain.Card{lane[from]}, out[to:]...)...)
	return out
}
