package server

import "errors"

var (
	ErrUnauthorized  = errors.New("a valid bearer token is required")
	ErrServerRunning = errors.New("server is already running")
)
