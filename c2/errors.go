// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import "errors"

var (
	ErrAlreadyStarted   = errors.New("control plane already started")
	ErrNotStarted       = errors.New("control plane not started")
	ErrStopping         = errors.New("control plane still stopping")
	ErrMalformed        = errors.New("malformed message")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrDuplicateHandler = errors.New("continuation handler already registered")
	ErrUnknownHandler   = errors.New("unknown continuation handler")
	ErrEmptyDestination = errors.New("empty destination")
	ErrAckIDExhausted   = errors.New("could not allocate a unique ackid")
)
