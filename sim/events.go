package sim

import "fmt"

// EventKind identifies the class of an event.
type EventKind uint8

const (
	EventEnv EventKind = iota
	EventBirth
	EventDeath
)

func (k EventKind) String() string {
	switch k {
	case EventEnv:
		return "env"
	case EventBirth:
		return "birth"
	case EventDeath:
		return "death"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one drawn, not yet applied, transition of the process.
type Event struct {
	Kind EventKind
	DT   float64 // waiting time before the event

	// Phenotype of the reproducing or dying agent (birth and death only).
	Phenotype int
	// Target is the destination environment for EventEnv, and the arena
	// index of the parent or victim otherwise.
	Target int
}
