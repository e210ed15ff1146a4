package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrBackend            = errors.New("backend request failed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrNotConnected       = errors.New("websocket not connected")
	ErrSendQueueFull      = errors.New("send queue full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrLockHeld           = errors.New("lock held by another session")
)
