// Package outbox holds actuator commands until the embedded controller polls
// for them. The controller is poll-only by hardware constraint, so delivery
// is at-most-once: a popped command that the controller then loses is not
// redelivered.
package outbox

import "github.com/toolcrib-dev/toolcrib/internal/model"

// Outbox is a plain FIFO. It is owned by the orchestrator goroutine, which is
// the single serialization domain for session, outbox, and baseline state;
// no internal locking is needed.
type Outbox struct {
	queue []model.Command
}

func New() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Push(cmds ...model.Command) {
	o.queue = append(o.queue, cmds...)
}

// Pop removes and returns the head command. It never blocks; the second
// return is false when the outbox is empty.
func (o *Outbox) Pop() (model.Command, bool) {
	if len(o.queue) == 0 {
		return model.Command{}, false
	}
	cmd := o.queue[0]
	o.queue = o.queue[1:]
	return cmd, true
}

func (o *Outbox) Len() int {
	return len(o.queue)
}
