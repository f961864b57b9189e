// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrWindowFull is the internal flow-control signal of a full inflight window.
	ErrWindowFull = errors.New("inflight window full")

	// ErrDuplicateSubscription reports a cursor found where none was expected.
	ErrDuplicateSubscription = errors.New("duplicate subscription state")

	// ErrSessionConflict is logged when a new connection takes over a live session.
	ErrSessionConflict = errors.New("session taken over by a new connection")

	ErrSessionClosed     = errors.New("session closed")
	ErrUnknownPacketID   = errors.New("unknown packet id")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInvalidQoS        = errors.New("invalid qos")
	ErrInvalidClientID   = errors.New("empty client id requires a clean session")
	ErrMaxSessions       = errors.New("maximum number of sessions reached")
	ErrMessageTooLarge   = errors.New("message exceeds maximum size")
	ErrBrokerClosed      = errors.New("broker closed")
	ErrPacketIDExhausted = errors.New("no free packet id")
	ErrPacketIDInUse     = errors.New("packet id in use")
)
