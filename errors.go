package evertask

import "errors"

// ErrInvalidArgument indicates a nil or malformed dispatch argument.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrHandlerNotRegistered indicates no handler is registered for the
// request type.
var ErrHandlerNotRegistered = errors.New("handler not registered")

// ErrAlreadyRegistered indicates a second handler was registered for the
// same request type.
var ErrAlreadyRegistered = errors.New("handler already registered")
