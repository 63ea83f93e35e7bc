package types

import "errors"

var (
	// ErrInvalidRecordID is returned when a record id string cannot be parsed
	ErrInvalidRecordID = errors.New("invalid record id")
)
