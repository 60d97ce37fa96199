// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package buildlog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/absmach/fluxc2/storage"
)

// Pipeline build statuses.
const (
	StatusSuccess       = "SUCCESS"
	StatusFailure       = "FAILURE"
	StatusCancelled     = "CANCELLED"
	StatusError         = "ERROR"
	StatusTimeout       = "TIMEOUT"
	StatusInternalError = "INTERNAL_ERROR"
)

var terminal = map[string]storage.BuildStatus{
	StatusSuccess:       storage.BuildSuccess,
	StatusFailure:       storage.BuildFailure,
	StatusCancelled:     storage.BuildFailure,
	StatusError:         storage.BuildFailure,
	StatusTimeout:       storage.BuildFailure,
	StatusInternalError: storage.BuildFailure,
}

var failureWords = []string{"FAIL", "ERROR", "CANCELLED", "FAILED"}

// Event is the build status extracted from one log entry.
type Event struct {
	BuildID string
	Status  string
	// Text is true when Status came from classifying a free text payload.
	Text bool
}

// Terminal reports whether the status settles the build, and the record
// status it maps to.
func (e Event) Terminal() (storage.BuildStatus, bool) {
	s, ok := terminal[e.Status]
	return s, ok
}

type buildInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type logEntry struct {
	Build       *buildInfo `json:"build"`
	JSONPayload *struct {
		Build *buildInfo `json:"build"`
	} `json:"jsonPayload"`
	TextPayload string `json:"textPayload"`
	Resource    struct {
		Labels map[string]string `json:"labels"`
	} `json:"resource"`
}

// Parse extracts a build status from a log entry. A structured build
// object wins over a text payload. ok is false when the entry carries
// neither; err is set only when data is not a JSON object.
func Parse(data []byte) (ev Event, ok bool, err error) {
	var entry logEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Event{}, false, fmt.Errorf("decode log entry: %w", err)
	}

	labelID := entry.Resource.Labels["build_id"]

	build := entry.Build
	if build == nil && entry.JSONPayload != nil {
		build = entry.JSONPayload.Build
	}
	if build != nil {
		id := build.ID
		if id == "" {
			id = labelID
		}
		return Event{BuildID: id, Status: strings.ToUpper(strings.TrimSpace(build.Status))}, true, nil
	}

	if entry.TextPayload != "" {
		return Event{BuildID: labelID, Status: ClassifyText(entry.TextPayload), Text: true}, true, nil
	}
	return Event{}, false, nil
}

// ClassifyText maps a free text log line to a status. "DONE" and "PUSH"
// lines are success, lines mentioning a failure word are failure, and
// anything else is an empty, non-terminal status. The match is a
// heuristic and can misread lines that merely mention a failure word.
func ClassifyText(text string) string {
	t := strings.ToUpper(strings.TrimSpace(text))
	if t == "DONE" || t == "PUSH" {
		return StatusSuccess
	}
	for _, w := range failureWords {
		if strings.Contains(t, w) {
			return StatusFailure
		}
	}
	return ""
}
