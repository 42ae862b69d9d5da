package domain

import "fmt"

// ErrBadCommand reports a malformed or unknown command payload.
// The endpoint rejects these synchronously instead of queueing them.
type ErrBadCommand struct {
	Reason string
}

func (e ErrBadCommand) Error() string {
	return "bad command: " + e.Reason
}

// ErrInvalidConfig reports a candidate configuration that the proxy
// binary rejected. Output carries the validator's stderr/stdout.
type ErrInvalidConfig struct {
	Output string
	Err    error
}

func (e ErrInvalidConfig) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("invalid config: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("invalid config: %v", e.Err)
}

func (e ErrInvalidConfig) Unwrap() error {
	return e.Err
}

// ErrStorageUnavailable reports config storage I/O that kept failing
// after local retries.
type ErrStorageUnavailable struct {
	Op  string
	Err error
}

func (e ErrStorageUnavailable) Error() string {
	return fmt.Sprintf("config storage %s: %v", e.Op, e.Err)
}

func (e ErrStorageUnavailable) Unwrap() error {
	return e.Err
}

// ErrTimeout reports a proxy control operation that exceeded its deadline.
type ErrTimeout struct {
	Op  string
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrQueueFull reports that the command queue hit its capacity.
type ErrQueueFull struct {
	Capacity int
}

func (e ErrQueueFull) Error() string {
	return fmt.Sprintf("command queue is full (capacity %d)", e.Capacity)
}

// ErrRegistration reports a failed registration attempt with the core API.
type ErrRegistration struct {
	Status int
	Err    error
}

func (e ErrRegistration) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registration rejected with status %d", e.Status)
	}
	return fmt.Sprintf("registration failed: %v", e.Err)
}

func (e ErrRegistration) Unwrap() error {
	return e.Err
}
