package bus

import "context"

// Service is a long-running adapter to one chat backend. It produces events
// on the shared event channel and consumes commands handed to it by the Bus.
//
// Run blocks until ctx is cancelled (clean return) or the backend fails
// (error return). The same instance must be runnable again after a previous
// Run returned; the Bus restarts failed services under backoff. Services
// treat a closed or unwritable event channel as terminal for the current run.
type Service interface {
	ID() ServiceID

	Run(ctx context.Context) error

	// HandleCommand is invoked by the Bus while Run is active. It must not
	// block the Bus indefinitely; slow backend calls are spawned internally.
	// Values travel back exclusively through the command's reply handle.
	HandleCommand(ctx context.Context, cmd Command) error
}
