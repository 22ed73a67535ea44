package syncer

import (
	"sync"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

type ErrorKind string

const (
	ErrorKindNetwork        ErrorKind = "network_unreachable"
	ErrorKindRejected       ErrorKind = "server_rejected"
	ErrorKindStorageFailure ErrorKind = "storage_read_failure"
)

type StateError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// State is the sync status shown to the reader.
type State struct {
	Status          Status      `json:"status"`
	LastSyncedAt    *time.Time  `json:"last_synced_at"`
	PendingCount    int         `json:"pending_count"`
	DeadLetterCount int         `json:"dead_letter_count"`
	Error           *StateError `json:"error"`
}

// subscriber delivers states on its own goroutine through a one-slot
// mailbox, so a slow callback only ever sees the latest state and never
// holds up the sync loop or other subscribers.
type subscriber struct {
	fn      func(State)
	mailbox chan State
	quit    chan struct{}
	once    sync.Once
}

func newSubscriber(fn func(State)) *subscriber {
	s := &subscriber{
		fn:      fn,
		mailbox: make(chan State, 1),
		quit:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.quit:
			return
		case st := <-s.mailbox:
			s.fn(st)
		}
	}
}

func (s *subscriber) deliver(st State) {
	for {
		select {
		case s.mailbox <- st:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}
