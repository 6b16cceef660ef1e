package model

import "time"

// Trigger names the condition that closed a Batch.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerAge      Trigger = "age"
	TriggerShutdown Trigger = "shutdown"
)

// Batch is an ordered group of records released together for analysis.
// A Batch is never mutated after it has been handed to a dispatcher.
type Batch struct {
	ID        string
	Records   []Record
	OpenedAt  time.Time // first record added, or previous flush
	FlushedAt time.Time
	Trigger   Trigger
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }
