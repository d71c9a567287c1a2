package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"prism-board/board"
	"prism-board/domain"
)

func renderBoard(w io.Writer, b board.Board) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, col := range domain.Columns {
		cards := b[col]
		fmt.Fprintf(tw, "%s (%d)\n", strings.ToUpper(string(col)), len(cards))
		for _, c := range cards {
			line := fmt.Sprintf("  %d\t%s\t%s\t%s/%s", c.Order, c.ID, c.Title, c.Priority, c.Type)
			if c.Assignee != "" {
				line += "\t@" + c.Assignee
			}
			fmt.Fprintln(tw, line)
		}
	}
	return tw.Flush()
}
