package models

import "time"

// Row is one exported document as stored in the warehouse
type Row struct {
	// ID is the string form of the document identifier
	ID string `json:"_id"`
	// Insert is the document's effective time, used to order versions
	Insert time.Time `json:"createdAt"`
	// Data is the canonical JSON payload
	Data string `json:"data"`
	// Hash is the hex digest of Data
	Hash string `json:"hash"`
}
