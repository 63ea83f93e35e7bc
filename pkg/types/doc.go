// Package types provides the schema model, record trees and record ids
// shared by the record store, its columnar format and its callers.
package types
