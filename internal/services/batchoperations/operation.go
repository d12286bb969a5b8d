package batchoperations

import (
	"time"
)

// OperationState is the processing state of a batch operation.
type OperationState string

const (
	OperationPending    OperationState = "PENDING"
	OperationProcessing OperationState = "PROCESSING"
	OperationSucceeded  OperationState = "SUCCEEDED"
	OperationFailed     OperationState = "FAILED"
	OperationCanceled   OperationState = "CANCELED"
)

// Done reports whether no more processing happens for the operation.
func (s OperationState) Done() bool {
	switch s {
	case OperationSucceeded, OperationFailed, OperationCanceled:
		return true
	}
	return false
}

// ElementStatus is the outcome of processing one element.
type ElementStatus string

const (
	ElementPending   ElementStatus = "PENDING"
	ElementSucceeded ElementStatus = "SUCCEEDED"
	ElementFailed    ElementStatus = "FAILED"
	ElementSkipped   ElementStatus = "SKIPPED"
)

// ElementResult records how one element of an operation was processed.
type ElementResult struct {
	Element  string        `json:"element"`
	Status   ElementStatus `json:"status"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Operation applies one operation type to a list of elements, usually device
// tokens.
type Operation struct {
	ID         string            `json:"id"`
	Tenant     string            `json:"tenant"`
	Type       string            `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
	State      OperationState    `json:"state"`
	Results    []ElementResult   `json:"results"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Request is a batch operation submitted by a client.
type Request struct {
	Type       string            `json:"type" validate:"required"`
	Elements   []string          `json:"elements" validate:"required,min=1,dive,required"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (o *Operation) clone() *Operation {
	c := *o
	c.Results = append([]ElementResult(nil), o.Results...)
	if o.Parameters != nil {
		c.Parameters = make(map[string]string, len(o.Parameters))
		for k, v := range o.Parameters {
			c.Parameters[k] = v
		}
	}
	if o.StartedAt != nil {
		t := *o.StartedAt
		c.StartedAt = &t
	}
	if o.FinishedAt != nil {
		t := *o.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Counts returns the number of elements per status.
func (o *Operation) Counts() map[ElementStatus]int {
	counts := make(map[ElementStatus]int)
	for _, r := range o.Results {
		counts[r.Status]++
	}
	return counts
}
