// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// RunKind discriminates the five uniform-shape run variants.
type RunKind string

const (
	RunAgent        RunKind = "agent"
	RunTool         RunKind = "tool"
	RunOrchestrator RunKind = "orchestrator"
	RunEnvironment  RunKind = "environment"
	RunKB           RunKind = "kb"
)

// RunStatus is a Run's lifecycle state. Status only ever advances through
// the DAG pending -> processing -> running -> {completed | error}.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusProcessing RunStatus = "processing"
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusError      RunStatus = "error"
)

// statusRank gives the total order used to check that transitions never
// regress.
var statusRank = map[RunStatus]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusRunning:    2,
	StatusCompleted:  3,
	StatusError:      3,
}

// CanTransition reports whether moving from "from" to "to" is a forward
// (or terminal-from-any-prior-state) transition.
func CanTransition(from, to RunStatus) bool {
	if to == StatusError {
		return from != StatusCompleted && from != StatusError
	}
	return statusRank[to] == statusRank[from]+1
}

// Run is the uniform shape shared by agent, tool, orchestrator,
// environment, and knowledge-base runs.
type Run struct {
	ID                 string         `json:"id"`
	ConsumerID         string         `json:"consumer_id"`
	Kind               RunKind        `json:"kind"`
	Deployment         Deployment     `json:"deployment"`
	Inputs             map[string]any `json:"inputs"`
	Status             RunStatus      `json:"status"`
	Error              bool           `json:"error"`
	ErrorMessage       string         `json:"error_message"`
	Results            []string       `json:"results"`
	CreatedTime        time.Time      `json:"created_time"`
	StartProcessingTime time.Time     `json:"start_processing_time"`
	CompletedTime      time.Time      `json:"completed_time"`
	Duration           time.Duration  `json:"duration"`
	ParentRuns         []string       `json:"parent_runs,omitempty"`
	ChildRuns          []string       `json:"child_runs,omitempty"`
}

// RunInput is what a Dispatcher accepts from a transport before a Run row
// exists.
type RunInput struct {
	ConsumerID string         `json:"consumer_id"`
	Kind       RunKind        `json:"kind"`
	Deployment Deployment     `json:"deployment"`
	Inputs     map[string]any `json:"inputs"`
	ParentRuns []string       `json:"parent_runs,omitempty"`
}

// transitionTo mutates the Run in place: sets Status, stamps the
// appropriate timestamp, and (for terminal states) computes Duration.
// It performs no I/O; persistence is the caller's job, and per §4.3 a
// transition only "commits" once that persistence succeeds.
func (r *Run) transitionTo(status RunStatus, now time.Time) {
	r.Status = status
	switch status {
	case StatusProcessing:
		r.StartProcessingTime = now
	case StatusCompleted, StatusError:
		r.CompletedTime = now
		if !r.StartProcessingTime.IsZero() {
			r.Duration = r.CompletedTime.Sub(r.StartProcessingTime)
		} else {
			r.Duration = 0
		}
	}
}

// MarkProcessing advances a pending Run into processing.
func (r *Run) MarkProcessing(now time.Time) {
	r.transitionTo(StatusProcessing, now)
}

// MarkRunning advances a processing Run into running.
func (r *Run) MarkRunning() {
	r.Status = StatusRunning
}

// MarkCompleted advances a running Run into its terminal success state.
func (r *Run) MarkCompleted(now time.Time, results []string) {
	r.Error = false
	r.ErrorMessage = ""
	r.Results = results
	r.transitionTo(StatusCompleted, now)
}

// MarkError advances a Run (from any non-terminal state) into its terminal
// failure state.
func (r *Run) MarkError(now time.Time, message string) {
	r.Error = true
	r.ErrorMessage = message
	r.transitionTo(StatusError, now)
}

// Terminal reports whether the Run has reached a terminal status.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusError
}
