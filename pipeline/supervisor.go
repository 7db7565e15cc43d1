package pipeline

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/nestwire/go-courier/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Reason names why the incoming-message pipeline has been asked to
// pause. Reasons are informational; the pipeline stays suspended while
// any suspension is outstanding, whatever its reason.
type Reason string

const (
	ReasonNumberChange Reason = "number-change"
	ReasonRemoteWake   Reason = "remote-wake"
)

// Listener is notified when the pipeline transitions between running
// and suspended. Callbacks run outside the supervisor's lock.
type Listener interface {
	PipelineSuspended()
	PipelineResumed()
}

// Supervisor is a reference-counted gate over the incoming-message
// pipeline. Any number of callers can hold suspensions concurrently;
// the pipeline resumes when the last one is released.
type Supervisor struct {
	config   *config.Config
	log      *zap.SugaredLogger
	appReady func() bool

	mu          sync.Mutex
	suspensions map[uuid.UUID]Reason
	listeners   map[uuid.UUID]Listener
}

// NewSupervisor creates a supervisor. appReady is the surrounding
// application's own processing gate; a nil appReady means always
// ready.
func NewSupervisor(c *config.Config, appReady func() bool) *Supervisor {
	if appReady == nil {
		appReady = func() bool { return true }
	}
	return &Supervisor{
		config:      c,
		log:         c.Logger("pipeline"),
		appReady:    appReady,
		suspensions: make(map[uuid.UUID]Reason),
		listeners:   make(map[uuid.UUID]Listener),
	}
}

// Handle represents one outstanding suspension. Release must be called
// exactly once; a handle dropped without release is reported as a leak.
type Handle struct {
	supervisor *Supervisor
	id         uuid.UUID
	reason     Reason

	mu       sync.Mutex
	released bool
}

// Suspend adds a suspension and returns its handle. Listeners are
// notified if the pipeline was running.
func (s *Supervisor) Suspend(reason Reason) *Handle {
	h := &Handle{supervisor: s, id: uuid.New(), reason: reason}

	s.mu.Lock()
	wasEmpty := len(s.suspensions) == 0
	s.suspensions[h.id] = reason
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	if wasEmpty {
		s.log.Infof("suspending message processing: %s", reason)
		for _, l := range listeners {
			l.PipelineSuspended()
		}
	}

	runtime.SetFinalizer(h, func(h *Handle) {
		h.mu.Lock()
		released := h.released
		h.mu.Unlock()
		if !released {
			s.log.Errorf("suspension handle for %s dropped without release", h.reason)
			h.Release()
		}
	})
	return h
}

// Release removes the suspension. Listeners are notified if this was
// the last outstanding suspension. Calling Release twice is a caller
// bug; it panics in debug builds and is logged otherwise.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		if h.supervisor.config.Debug {
			panic("pipeline: suspension handle released twice")
		}
		h.supervisor.log.Warnf("suspension handle for %s released twice", h.reason)
		return
	}
	h.released = true
	h.mu.Unlock()
	runtime.SetFinalizer(h, nil)

	s := h.supervisor
	s.mu.Lock()
	delete(s.suspensions, h.id)
	nowEmpty := len(s.suspensions) == 0
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	if nowEmpty {
		s.log.Infof("resuming message processing after %s", h.reason)
		for _, l := range listeners {
			l.PipelineResumed()
		}
	}
}

// Registration identifies a registered listener.
type Registration struct {
	supervisor *Supervisor
	id         uuid.UUID
}

// Register subscribes a listener to suspend/resume transitions.
func (s *Supervisor) Register(l Listener) *Registration {
	r := &Registration{supervisor: s, id: uuid.New()}
	s.mu.Lock()
	s.listeners[r.id] = l
	s.mu.Unlock()
	return r
}

// Unregister removes the listener. Safe to call more than once.
func (r *Registration) Unregister() {
	r.supervisor.mu.Lock()
	delete(r.supervisor.listeners, r.id)
	r.supervisor.mu.Unlock()
}

// IsProcessingPermitted reports whether the pipeline may process
// messages: no suspension is outstanding and the application reports
// itself ready.
func (s *Supervisor) IsProcessingPermitted() bool {
	s.mu.Lock()
	suspended := len(s.suspensions) != 0
	s.mu.Unlock()
	return !suspended && s.appReady()
}

// IsSuspended reports whether any suspension is outstanding.
func (s *Supervisor) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suspensions) != 0
}

// ActiveReasons lists the reasons currently holding the pipeline.
func (s *Supervisor) ActiveReasons() []Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := maps.Values(s.suspensions)
	slices.Sort(reasons)
	return reasons
}

func (s *Supervisor) snapshotListenersLocked() []Listener {
	return maps.Values(s.listeners)
}
