package utils

import (
	"fmt"
)

var (
	ErrConfig   = fmt.Errorf("Configuration error")
	ErrNotFound = fmt.Errorf("Not found")
	ErrParse    = fmt.Errorf("Parse error")
	ErrShutdown = fmt.Errorf("Monitor is shut down")
	ErrSubmit   = fmt.Errorf("Task submission failed")
)

type DetailedError interface {
	error
	Details() string
}

type commandError struct {
	message string
	details string
}

func NewCmdError(message, details string) error {
	return &commandError{
		message: message,
		details: details,
	}
}

func (c *commandError) Details() string {
	return c.details
}

func (c *commandError) Error() string {
	return c.message
}
