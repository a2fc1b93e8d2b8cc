package ovms

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator timing.
const (
	// maxPendingAge is how long a command may wait before the sweep expires it.
	maxPendingAge = 300 * time.Second

	// sweepInterval is how often expired commands are swept.
	sweepInterval = 60 * time.Second
)

// CommandResult is the serialisable outcome of a command.
type CommandResult struct {
	Success    bool   `json:"success"`
	CommandID  string `json:"command_id"`
	Command    string `json:"command"`
	Parameters string `json:"parameters"`
	Response   any    `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewCommandID returns a random 8 hex character command id.
func NewCommandID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// ParseResponse decodes a JSON response payload, falling back to the raw text.
func ParseResponse(payload string) any {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	return v
}

// CommandPayload joins a command and its parameters as the module expects.
func CommandPayload(command, parameters string) string {
	if parameters == "" {
		return command
	}
	return command + " " + parameters
}

type pendingResult struct {
	payload string
	err     error
}

// pendingCommand is resolved exactly once, with a payload or an error.
type pendingCommand struct {
	id         string
	command    string
	parameters string
	issued     time.Time

	result chan pendingResult
	once   sync.Once
}

func (p *pendingCommand) resolve(payload string, err error) {
	p.once.Do(func() {
		p.result <- pendingResult{payload: payload, err: err}
	})
}

// Correlator matches command responses to waiting callers by command id.
//
// Thread Safety: All methods are safe for concurrent use.
type Correlator struct {
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		now:     time.Now,
		pending: make(map[string]*pendingCommand),
	}
}

// register records a pending command under id.
func (c *Correlator) register(id, command, parameters string) (*pendingCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.pending[id]; dup {
		return nil, fmt.Errorf("%w: command id %s already pending", ErrInvalidCommand, id)
	}
	p := &pendingCommand{
		id:         id,
		command:    command,
		parameters: parameters,
		issued:     c.now(),
		result:     make(chan pendingResult, 1),
	}
	c.pending[id] = p
	return p, nil
}

// await blocks until p is resolved, timeout elapses or ctx is done. On
// timeout the record is removed and ErrCommandTimeout returned; the command
// is never re-sent.
func (c *Correlator) await(ctx context.Context, p *pendingCommand, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.payload, r.err
	case <-timer.C:
		c.expire(p, ErrCommandTimeout)
	case <-ctx.Done():
		c.expire(p, ctx.Err())
	}

	// A response may have won the race; the slot holds whichever came first.
	r := <-p.result
	return r.payload, r.err
}

// Resolve delivers a response payload to the command waiting on id. It
// reports false when nothing is waiting, in which case the response is
// dropped.
func (c *Correlator) Resolve(id, payload string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.resolve(payload, nil)
	return true
}

// Sweep expires every command older than the maximum pending age and
// returns how many it expired.
func (c *Correlator) Sweep() int {
	cutoff := c.now().Add(-maxPendingAge)

	c.mu.Lock()
	var expired []*pendingCommand
	for id, p := range c.pending {
		if p.issued.Before(cutoff) {
			delete(c.pending, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.resolve("", ErrCommandTimeout)
	}
	return len(expired)
}

// CancelAll resolves every pending command with err.
func (c *Correlator) CancelAll(err error) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, p := range all {
		p.resolve("", err)
	}
}

// Pending returns the number of commands awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether id awaits a response.
func (c *Correlator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *Correlator) expire(p *pendingCommand, err error) {
	c.mu.Lock()
	if cur, ok := c.pending[p.id]; ok && cur == p {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()
	p.resolve("", err)
}
