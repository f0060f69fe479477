package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for server lookup failures.
var (
	ErrUnknownServer  = errors.New("mcp: unknown server type")
	ErrServerDisabled = errors.New("mcp: server is disabled")
)

// Connection establishment steps, in order.
const (
	StepCreate     = "create client"
	StepStart      = "start"
	StepInitialize = "initialize"
	StepListTools  = "list tools"
)

// ConnectError reports a failed connection attempt to a tool server. Step
// names the establishment phase that failed.
type ConnectError struct {
	ServerType string
	Step       string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcp: connect %s: %s: %v", e.ServerType, e.Step, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failing step ran out of time rather than
// failing outright.
func (e *ConnectError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
