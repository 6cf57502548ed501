package assignment

import (
	"sync"
	"time"
)

type response struct {
	assignmentID string
	accept       bool
	at           time.Time
	reply        chan error
}

type cancelRequest struct {
	reply chan error
}

// session is the mailbox of one running dispatch. Only its goroutine reads
// from responses and cancels.
type session struct {
	requestID string
	exclude   map[string]bool
	responses chan response
	cancels   chan cancelRequest
	done      chan struct{}
	once      sync.Once
}

func newSession(requestID string, exclude map[string]bool) *session {
	if exclude == nil {
		exclude = make(map[string]bool)
	}
	return &session{
		requestID: requestID,
		exclude:   exclude,
		responses: make(chan response),
		cancels:   make(chan cancelRequest),
		done:      make(chan struct{}),
	}
}

func (s *session) finish() { s.once.Do(func() { close(s.done) }) }

func (s *session) pendingCancel() (cancelRequest, bool) {
	select {
	case cr := <-s.cancels:
		return cr, true
	default:
		return cancelRequest{}, false
	}
}
