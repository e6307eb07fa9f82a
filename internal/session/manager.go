package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("call not found")
	ErrAlreadyActive = errors.New("user already has an active call")
	ErrEnded         = errors.New("call already ended")
)

// Call is the live side of a registered call.
type Call interface {
	Stop() error
	Abort() error
}

// Record describes one call. Ended records are retained for a while so
// clients can still fetch the final snapshot.
type Record struct {
	ID             string    `json:"call_id"`
	UserID         string    `json:"user_id"`
	Voice          string    `json:"voice,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

type entry struct {
	rec  Record
	call Call
}

// Registry tracks calls by ID and at most one active call per user.
type Registry struct {
	mu                sync.RWMutex
	calls             map[string]*entry
	callByUser        map[string]string
	inactivityTimeout time.Duration
	retainEnded       time.Duration
	onExpire          func(Record)
	now               func() time.Time
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		calls:             make(map[string]*entry),
		callByUser:        make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		retainEnded:       10 * time.Minute,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) SetExpireHook(hook func(Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) InactivityTimeout() time.Duration {
	return r.inactivityTimeout
}

// Create reserves a call ID for userID. The live call is attached later with
// Attach once it has been built around that ID.
func (r *Registry) Create(userID, voice string) (Record, error) {
	now := r.now()
	rec := Record{
		ID:             uuid.NewString(),
		UserID:         userID,
		Voice:          voice,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if userID != "" {
		if id, ok := r.callByUser[userID]; ok {
			if e := r.calls[id]; e != nil && e.rec.Status == StatusActive {
				return Record{}, ErrAlreadyActive
			}
		}
		r.callByUser[userID] = rec.ID
	}
	r.calls[rec.ID] = &entry{rec: rec}
	return rec, nil
}

func (r *Registry) Attach(id string, call Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status != StatusActive {
		return ErrEnded
	}
	e.call = call
	return nil
}

func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

// Call returns the live call for an active record.
func (r *Registry) Call(id string) (Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.rec.Status != StatusActive || e.call == nil {
		return nil, ErrEnded
	}
	return e.call, nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok {
		return ErrNotFound
	}
	e.rec.LastActivityAt = r.now()
	return nil
}

// End marks the call ended and detaches it. Ending an ended call returns the
// existing record.
func (r *Registry) End(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if e.rec.Status == StatusActive {
		r.endLocked(e, r.now())
	}
	return e.rec, nil
}

func (r *Registry) endLocked(e *entry, now time.Time) {
	e.rec.Status = StatusEnded
	e.rec.LastActivityAt = now
	e.rec.EndedAt = now
	e.call = nil
	if e.rec.UserID != "" && r.callByUser[e.rec.UserID] == e.rec.ID {
		delete(r.callByUser, e.rec.UserID)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.calls {
		if e.rec.Status == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor stops inactive calls gracefully and drops ended records once
// they are past retention.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// AbortAll aborts every active call, used on shutdown.
func (r *Registry) AbortAll() {
	now := r.now()
	var calls []Call
	r.mu.Lock()
	for _, e := range r.calls {
		if e.rec.Status != StatusActive {
			continue
		}
		if e.call != nil {
			calls = append(calls, e.call)
		}
		r.endLocked(e, now)
	}
	r.mu.Unlock()
	for _, c := range calls {
		_ = c.Abort()
	}
}

func (r *Registry) expireInactive() {
	now := r.now()
	var (
		expired []Record
		calls   []Call
	)

	r.mu.Lock()
	for id, e := range r.calls {
		if e.rec.Status != StatusActive {
			if now.Sub(e.rec.EndedAt) >= r.retainEnded {
				delete(r.calls, id)
			}
			continue
		}
		if now.Sub(e.rec.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		if e.call != nil {
			calls = append(calls, e.call)
		}
		r.endLocked(e, now)
		expired = append(expired, e.rec)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, c := range calls {
		_ = c.Stop()
	}
	if hook != nil {
		for _, rec := range expired {
			hook(rec)
		}
	}
}
