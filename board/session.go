package board

import (
	"context"

	"github.com/looplab/fsm"
)

const (
	stateIdle     = "idle"
	stateDragging = "dragging"

	eventBegin = "begin"
	eventDrop  = "drop"
)

// dragSession tracks the single in-flight drag gesture.
type dragSession struct {
	fsm    *fsm.FSM
	cardID string
}

func newDragSession() *dragSession {
	s := &dragSession{}
	s.fsm = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{stateIdle}, Dst: stateDragging},
			{Name: eventDrop, Src: []string{stateDragging}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"enter_" + stateDragging: func(_ context.Context, e *fsm.Event) {
				if len(e.Args) > 0 {
					s.cardID, _ = e.Args[0].(string)
				}
			},
			"enter_" + stateIdle: func(_ context.Context, _ *fsm.Event) {
				s.cardID = ""
			},
		},
	)
	return s
}

func (s *dragSession) active() bool {
	return s.fsm.Is(stateDragging)
}

// begin starts a session, or re-targets the running one.
func (s *dragSession) begin(cardID string) {
	if s.active() {
		s.cardID = cardID
		return
	}
	_ = s.fsm.Event(context.Background(), eventBegin, cardID)
}

// end closes the session. It is a no-op when idle.
func (s *dragSession) end() {
	if !s.active() {
		return
	}
	_ = s.fsm.Event(context.Background(), eventDrop)
}
