package runs

import (
	"time"

	"github.com/smallnest/clawrun/stream"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the legal moves of the run state machine.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mode is the admission policy a request asks for.
type Mode string

const (
	// ModeSteer preempts the running turn.
	ModeSteer Mode = "steer"
	// ModeCollect merges into a queued internal run from the same source.
	ModeCollect Mode = "collect"
	// ModeFollowup appends to the tail of the queue.
	ModeFollowup Mode = "followup"
)

// ParseMode validates a mode string. The empty string means followup.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "":
		return ModeFollowup, true
	case ModeSteer, ModeCollect, ModeFollowup:
		return Mode(s), true
	}
	return "", false
}

// Result is what a completed turn produced.
type Result struct {
	Text       string         `json:"text"`
	ToolEvents []stream.Event `json:"toolEvents,omitempty"`
}

// Run is one admitted request to produce a single assistant turn.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Status     Status     `json:"status"`
	Mode       Mode       `json:"mode"`
	Source     string     `json:"source"`
	Internal   bool       `json:"internal"`
	Message    string     `json:"message"`
	ImagePath  string     `json:"imagePath,omitempty"`
	ImageURL   string     `json:"imageUrl,omitempty"`
	DedupeKey  string     `json:"dedupeKey,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Result     *Result    `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"errorKind,omitempty"`
	Position   int        `json:"position"`

	seq uint64
}

// Clone returns a deep copy safe to hand to callers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.Result != nil {
		res := *r.Result
		res.ToolEvents = append([]stream.Event(nil), r.Result.ToolEvents...)
		c.Result = &res
	}
	return &c
}

// Spec holds the caller-supplied fields of a new run.
type Spec struct {
	SessionID string
	Mode      Mode
	Source    string
	Internal  bool
	Message   string
	ImagePath string
	ImageURL  string
	DedupeKey string
	Position  int
}

// Fields are the optional values set alongside a transition.
type Fields struct {
	Result    *Result
	Error     string
	ErrorKind string
}

// Filter narrows List results.
type Filter struct {
	SessionID string `json:"sessionId,omitempty"`
	Status    Status `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Matches reports whether run r passes the filter, ignoring Limit.
func (f Filter) Matches(r *Run) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
