package domain

import "fmt"

// Column identifies a workflow stage on the board.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnTodo       Column = "todo"
	ColumnInProgress Column = "in_progress"
	ColumnReview     Column = "review"
	ColumnDone       Column = "done"
)

// Columns lists every column in board order. The set is closed.
var Columns = [...]Column{ColumnBacklog, ColumnTodo, ColumnInProgress, ColumnReview, ColumnDone}

// ParseColumn returns the column named by s. Only the exact literals are accepted.
func ParseColumn(s string) (Column, bool) {
	for _, c := range Columns {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Valid reports whether c is one of the board columns.
func (c Column) Valid() bool {
	_, ok := ParseColumn(string(c))
	return ok
}

// Rank is the position of c in board order, or -1 for unknown columns.
func (c Column) Rank() int {
	for i, col := range Columns {
		if col == c {
			return i
		}
	}
	return -1
}

// UnmarshalText rejects values outside the column set.
func (c *Column) UnmarshalText(b []byte) error {
	col, ok := ParseColumn(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, string(b))
	}
	*c = col
	return nil
}

func (c Column) MarshalText() ([]byte, error) {
	return []byte(c), nil
}
