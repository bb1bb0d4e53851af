// Package models defines the export job document and the warehouse row
// shared by the job store, the dispatcher and the export worker.
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an export job
type Status string

const (
	// StatusPending marks a registered job that has not reached a terminal state
	StatusPending Status = "pending"
	// StatusSuccess marks a job whose rows were merged into the main table
	StatusSuccess Status = "success"
	// StatusError marks a job whose retry budget was exhausted
	StatusError Status = "error"
)

// IsTerminal reports whether the job has left the pending state
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Epoch is the window begin of the first job of a pipeline
var Epoch = time.Unix(0, 0).UTC()

// ExportSource identifies the exact source collection
type ExportSource struct {
	// Name resolves to a source connection profile
	Name       string `bson:"name" json:"name"`
	Database   string `bson:"database" json:"database"`
	Collection string `bson:"collection" json:"collection"`
}

// String renders the source as name.database.collection
func (s ExportSource) String() string {
	return fmt.Sprintf("%s.%s.%s", s.Name, s.Database, s.Collection)
}

// ExportTarget identifies the warehouse
type ExportTarget struct {
	// Name resolves to a target credentials profile
	Name string `bson:"name" json:"name"`
}

// Stamps names the document fields carrying identity and timing, plus
// the number of rows buffered before each staging insert.
type Stamps struct {
	ID     string `bson:"id" json:"id"`
	Insert string `bson:"insert" json:"insert"`
	Update string `bson:"update" json:"update"`
	Limit  int    `bson:"limit" json:"limit"`
}

// Settings carries the per-job execution parameters
type Settings struct {
	// Attempts is the retry budget; zero never runs the job
	Attempts int    `bson:"attempts" json:"attempts"`
	Stamps   Stamps `bson:"stamps" json:"stamps"`
}

// Window is the capture interval (Begin, End]
type Window struct {
	Begin time.Time `bson:"begin" json:"begin"`
	End   time.Time `bson:"end" json:"end"`
}

// Contains reports whether t falls in (Begin, End]
func (w Window) Contains(t time.Time) bool {
	return t.After(w.Begin) && !t.After(w.End)
}

// ExportError records the terminal failure of a job
type ExportError struct {
	Message string `bson:"message" json:"message"`
	Cause   string `bson:"cause,omitempty" json:"cause,omitempty"`
}

// Export is the persisted job document, one per registered run
type Export struct {
	Transaction string       `bson:"transaction" json:"transaction"`
	Source      ExportSource `bson:"source" json:"source"`
	Target      ExportTarget `bson:"target" json:"target"`
	Settings    Settings     `bson:"settings" json:"settings"`
	Window      Window       `bson:"window" json:"window"`
	Status      Status       `bson:"status" json:"status"`
	Error       *ExportError `bson:"error,omitempty" json:"error,omitempty"`
}

// Pipeline returns the (source, target) pair the job belongs to
func (e *Export) Pipeline() Pipeline {
	return Pipeline{Source: e.Source, Target: e.Target}
}

// PipelineKey returns the key of the log the job is dispatched on
func (e *Export) PipelineKey() PipelineKey {
	return e.Pipeline().Key()
}

// Clone returns a deep copy of the job
func (e *Export) Clone() *Export {
	clone := *e
	if e.Error != nil {
		cause := *e.Error
		clone.Error = &cause
	}
	return &clone
}

// StampsInput carries optional stamp overrides supplied at registration
type StampsInput struct {
	ID     *string `json:"id,omitempty" yaml:"id,omitempty"`
	Insert *string `json:"insert,omitempty" yaml:"insert,omitempty"`
	Update *string `json:"update,omitempty" yaml:"update,omitempty"`
	Limit  *int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// SettingsInput carries optional settings supplied at registration
type SettingsInput struct {
	Attempts *int        `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Stamps   *StampsInput `json:"stamps,omitempty" yaml:"stamps,omitempty"`
}

// ExportInput is the job description accepted by registration
type ExportInput struct {
	Source   ExportSource   `json:"source" yaml:"source"`
	Target   ExportTarget   `json:"target" yaml:"target"`
	Settings *SettingsInput `json:"settings,omitempty" yaml:"settings,omitempty"`
}
