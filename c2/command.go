// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import "regexp"

// Wire attribute keys.
const (
	AttrCommand = "command"
	AttrTarget  = "target"
	AttrSource  = "source"
)

// Body fields with protocol meaning.
const (
	FieldAckID     = "ackid"
	FieldID        = "id"
	FieldClusterID = "cluster_id"
	FieldStatus    = "status"
	FieldMessage   = "message"
)

// Built-in command names.
const (
	CommandPing          = "PING"
	CommandPong          = "PONG"
	CommandAck           = "ACK"
	CommandUpdate        = "UPDATE"
	CommandClusterStatus = "CLUSTER_STATUS"
)

// Kind is the closed set of command variants a message decodes into.
type Kind uint8

const (
	// KindUnknown is a missing or syntactically invalid command.
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindAck
	KindUpdate
	KindClusterStatus
	// KindApplication is any other well-formed command name, such as
	// RUN_JOB or SYNC.
	KindApplication
)

var builtinKinds = map[string]Kind{
	CommandPing:          KindPing,
	CommandPong:          KindPong,
	CommandAck:           KindAck,
	CommandUpdate:        KindUpdate,
	CommandClusterStatus: KindClusterStatus,
}

var commandRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.\-]*$`)

// ParseKind classifies a wire command name.
func ParseKind(command string) Kind {
	if k, ok := builtinKinds[command]; ok {
		return k
	}
	if commandRe.MatchString(command) {
		return KindApplication
	}
	return KindUnknown
}

// Builtin reports whether k is handled by the control plane itself.
func (k Kind) Builtin() bool {
	return k >= KindPing && k <= KindClusterStatus
}

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindAck:
		return "ack"
	case KindUpdate:
		return "update"
	case KindClusterStatus:
		return "cluster_status"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// DestinationName returns the target attribute value for a cluster id.
func DestinationName(clusterID string) string {
	return "cluster_" + clusterID
}
