package agent

import "errors"

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentDisabled     = errors.New("agent is disabled")
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrInvalidContext    = errors.New("invalid context")
	ErrAgentTimeout      = errors.New("agent timed out")
	ErrAgentFault        = errors.New("agent fault")
)
