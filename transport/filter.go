// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterOp is the kind of attribute test a Filter performs.
type FilterOp uint8

const (
	// FilterAll matches every message.
	FilterAll FilterOp = iota
	// FilterAbsent matches messages without the attribute.
	FilterAbsent
	// FilterEquals matches messages whose attribute equals a value.
	FilterEquals
)

// Filter is a subscription filter over message attributes. The zero value
// matches everything.
type Filter struct {
	Op    FilterOp
	Key   string
	Value string
}

// MatchAll returns a filter that matches every message.
func MatchAll() Filter {
	return Filter{}
}

// WithoutAttribute matches messages that do not carry key.
func WithoutAttribute(key string) Filter {
	return Filter{Op: FilterAbsent, Key: key}
}

// AttributeEquals matches messages whose key attribute equals value.
func AttributeEquals(key, value string) Filter {
	return Filter{Op: FilterEquals, Key: key, Value: value}
}

// Matches evaluates the filter against attrs.
func (f Filter) Matches(attrs map[string]string) bool {
	switch f.Op {
	case FilterAbsent:
		_, ok := attrs[f.Key]
		return !ok
	case FilterEquals:
		v, ok := attrs[f.Key]
		return ok && v == f.Value
	default:
		return true
	}
}

// String renders the filter in the Pub/Sub filter language.
func (f Filter) String() string {
	switch f.Op {
	case FilterAbsent:
		return "NOT attributes:" + f.Key
	case FilterEquals:
		return fmt.Sprintf("attributes.%s=%q", f.Key, f.Value)
	default:
		return ""
	}
}

var (
	absentRe = regexp.MustCompile(`^\s*NOT\s+attributes:([A-Za-z0-9_\-]+)\s*$`)
	equalsRe = regexp.MustCompile(`^\s*attributes\.([A-Za-z0-9_\-]+)\s*=\s*"([^"]*)"\s*$`)
)

// ParseFilter parses the subset of the Pub/Sub filter language produced
// by Filter.String.
func ParseFilter(s string) (Filter, error) {
	if m := absentRe.FindStringSubmatch(s); m != nil {
		return WithoutAttribute(m[1]), nil
	}
	if m := equalsRe.FindStringSubmatch(s); m != nil {
		return AttributeEquals(m[1], m[2]), nil
	}
	if strings.TrimSpace(s) == "" {
		return MatchAll(), nil
	}
	return Filter{}, fmt.Errorf("%w: filter %q", ErrUnsupported, s)
}
