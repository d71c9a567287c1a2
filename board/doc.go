// Package board keeps a locally dragged kanban board consistent with a remote
// ticket store that is refreshed in the background.
//
// The Engine owns the Local Override Layer, the card slice that is rendered.
// Server snapshots replace it wholesale, except while a drag gesture is in
// flight: a snapshot that arrives mid-drag is dropped so the user's drop
// position never snaps back. Once the gesture ends, every effective move is
// applied to the layer synchronously and turned into partial status/order
// updates that a Dispatcher delivers asynchronously. Failed updates are not
// rolled back; the next adopted snapshot overwrites the optimistic state.
package board
