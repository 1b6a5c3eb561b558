package script

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ExitCallback runs during graceful shutdown. A callback may return a
// non-nil channel to delay shutdown until the channel closes. Returning
// nil means the callback completed synchronously.
type ExitCallback func() <-chan struct{}

// Exiter implements exit(code) / exit(callback): callbacks registered via
// OnExit are invoked when Exit posts a graceful shutdown, and Exit blocks
// until every returned channel has settled before handing the exit code
// to the terminate hook.
type Exiter struct {
	terminate func(code int)
	log       *logrus.Entry

	mu        sync.Mutex
	callbacks []ExitCallback
	exiting   bool
}

// NewExiter wires terminate as the final step of a graceful shutdown —
// typically worker.Manager.Stop followed by os.Exit in the CLI driver.
func NewExiter(terminate func(code int)) *Exiter {
	return &Exiter{
		terminate: terminate,
		log:       logrus.StandardLogger().WithField("component", "script"),
	}
}

// OnExit registers fn to run when Exit is called. Callbacks run in
// registration order.
func (e *Exiter) OnExit(fn ExitCallback) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

// Exit runs every registered callback, waits for each returned channel to
// settle, then invokes the terminate hook with code. A second Exit while
// one is already in progress is ignored.
func (e *Exiter) Exit(code int) {
	e.mu.Lock()
	if e.exiting {
		e.mu.Unlock()
		return
	}
	e.exiting = true
	callbacks := e.callbacks
	e.mu.Unlock()

	for _, fn := range callbacks {
		if settled := fn(); settled != nil {
			<-settled
		}
	}

	e.log.WithField("code", code).Debug("exit callbacks settled")
	e.terminate(code)
}
