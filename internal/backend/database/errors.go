// Sentinel errors shared by all store operations. Callers match them
// with errors.Is; every returned error additionally carries the
// operation name and the key involved via fmt.Errorf wrapping.
package database

import "errors"

// ErrNotFound is returned by lookups that miss (event, image, thumbnail
// or user id that does not exist).
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a user whose username is
// already taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrValidation is returned for out-of-range confidence values, unknown
// sort destinations and metadata that cannot be serialized to JSON.
var ErrValidation = errors.New("validation failed")
