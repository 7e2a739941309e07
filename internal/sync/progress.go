package sync

// EventType discriminates progress events.
type EventType int

const (
	// EventFolderStart fires once per folder with Total set to the
	// number of paths the reconciler will visit.
	EventFolderStart EventType = iota

	// EventFile fires after each path is processed; Current counts
	// visited paths, Action says what was done.
	EventFile

	// EventFolderDone fires when a folder finishes, successfully or not.
	EventFolderDone
)

// Event is one progress notification. The orchestrator's caller
// consumes these from a channel; the engine itself has no UI coupling
// and never blocks on a slow consumer.
type Event struct {
	Type     EventType
	FolderID int64
	Path     string
	Action   Action
	Current  int
	Total    int
	Err      error
}

// notifier sends events without blocking. A nil channel drops them.
type notifier struct {
	ch chan<- Event
}

func (n notifier) send(ev Event) {
	if n.ch == nil {
		return
	}

	select {
	case n.ch <- ev:
	default:
		// Slow consumers lose events rather than stalling transfers.
	}
}
