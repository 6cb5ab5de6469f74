// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package store defines the document-store contract the coordinator's
// handlers rely on: durable CRUD plus unique-field indexes. The core never
// depends on a concrete storage technology; internal/store/bunt provides one
// implementation backed by an embedded indexed KV store.
package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by FindOne/UpdateByID/DeleteByID when no matching
// row exists.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is the sentinel every duplicate-key failure matches via
// errors.Is, for callers that only care that some unique field collided.
var ErrDuplicate = errors.New("store: duplicate value for unique field")

// DuplicateFieldError reports which of the unique fields passed to
// Insert/UpdateByID already had the same value in another document.
// errors.Is(err, ErrDuplicate) holds for any *DuplicateFieldError.
type DuplicateFieldError struct {
	Field string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("store: duplicate value for field %q", e.Field)
}

func (e *DuplicateFieldError) Is(target error) bool {
	return target == ErrDuplicate
}

// Store is the minimal document-store contract every handler relies on:
// insert, find_by_field, update_by_id, delete_by_id, count_by_field, plus a
// FindOne convenience built on FindByField and a FindAll collection scan.
//
// Every method operates within a named collection (e.g. "managers",
// "volunteers", "workflows", "tasks", "messagelog") and a document is any
// JSON-marshalable Go value with an "id" field. Implementations marshal
// documents to JSON for storage; callers own the Go struct <-> JSON mapping.
type Store interface {
	// Insert adds doc (which must json-marshal to an object with an "id"
	// field) to collection. Returns a *DuplicateFieldError naming the
	// colliding field if any field named in uniqueFields already has the
	// same value in another document of the collection.
	Insert(collection string, id string, doc any, uniqueFields ...string) error

	// FindByField returns every document in collection whose field has the
	// given value, decoded into the slice pointed to by out (a pointer to a
	// slice of the document's Go type).
	FindByField(collection, field string, value any, out any) error

	// FindOne is a convenience wrapper around FindByField that decodes at
	// most one match into out (a pointer to the document's Go type).
	// Returns ErrNotFound if there is no match.
	FindOne(collection, field string, value any, out any) error

	// UpdateByID replaces the document with the given id in collection with
	// doc. Returns ErrNotFound if no such document exists, or a
	// *DuplicateFieldError naming the colliding field per Insert's rule.
	UpdateByID(collection, id string, doc any, uniqueFields ...string) error

	// DeleteByID removes the document with the given id from collection.
	// Returns ErrNotFound if no such document exists.
	DeleteByID(collection, id string) error

	// CountByField counts documents in collection whose field has the given
	// value.
	CountByField(collection, field string, value any) (int, error)

	// FindAll decodes every document in collection into the slice pointed to
	// by out. Used by handlers that cannot express their match as a single
	// field equality, such as machine-fingerprint deduplication.
	FindAll(collection string, out any) error

	// Close releases underlying resources.
	Close() error
}
