package main

import (
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"prism-board/board"
	"prism-board/domain"
)

// boardPrinter renders each snapshot that differs from the last one printed.
// watch never drags, so snapshots go straight to GroupByStatus.
type boardPrinter struct {
	out   io.Writer
	now   func() time.Time
	total *prometheus.CounterVec

	mu   sync.Mutex
	last board.Board
}

func newBoardPrinter(out io.Writer, reg prometheus.Registerer) *boardPrinter {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boardctl",
		Name:      "snapshots_total",
		Help:      "Snapshots received by watch, by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(total)
	}
	return &boardPrinter{out: out, now: time.Now, total: total}
}

// IngestSnapshot prints the board when it changed and reports whether it did.
func (p *boardPrinter) IngestSnapshot(cards []domain.Card) bool {
	b := board.GroupByStatus(cards)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil && reflect.DeepEqual(p.last, b) {
		p.total.WithLabelValues("unchanged").Inc()
		return false
	}
	p.last = b
	p.total.WithLabelValues("rendered").Inc()
	fmt.Fprintf(p.out, "--- %s\n", p.now().Format(time.TimeOnly))
	if err := renderBoard(p.out, b); err != nil {
		fmt.Fprintf(p.out, "render board: %v\n", err)
	}
	return true
}
