package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"storyforge/pkg/documents"
	"storyforge/pkg/session"
)

const keepAliveInterval = 25 * time.Second

// stateEvent is one frame of the /api/events stream.
type stateEvent struct {
	Session   session.State   `json:"session"`
	Documents documents.State `json:"documents"`
}

// latest holds the newest state of both stores. Listeners only record and
// wake the writer, so they never block store dispatch.
type latest struct {
	mu      sync.Mutex
	event   stateEvent
	version uint64
	wake    chan struct{}
}

func (l *latest) set(mutate func(*stateEvent)) {
	l.mu.Lock()
	mutate(&l.event)
	l.version++
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *latest) get() (stateEvent, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.event, l.version
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	state := &latest{wake: make(chan struct{}, 1)}
	stopSession := s.app.Session().Subscribe(func(st session.State) {
		state.set(func(e *stateEvent) { e.Session = st })
	})
	defer stopSession()
	stopDocs := s.app.Documents().Subscribe(func(st documents.State) {
		state.set(func(e *stateEvent) { e.Documents = st })
	})
	defer stopDocs()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var sent uint64
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		event, version := state.get()
		if version != sent {
			if s.viewer(r) == nil {
				event = publicEvent(event)
			}
			data, err := json.Marshal(event)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\nid: %d\ndata: %s\n\n", version, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			sent = version
		}
		select {
		case <-r.Context().Done():
			return
		case <-state.wake:
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// publicEvent drops everything scoped to the signed-in writer.
func publicEvent(e stateEvent) stateEvent {
	e.Session = publicSession(e.Session)
	e.Documents.Mine = nil
	e.Documents.Loading = false
	return e
}

func publicSession(st session.State) session.State {
	return session.State{Status: st.Status, Loading: st.Loading}
}
