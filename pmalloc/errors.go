// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"github.com/pkg/errors"
)

// Errors returned by the Try* functions. They are usually wrapped with
// some context, use errors.Cause() to compare against them.
var (
	// ErrZeroSize is returned for 0 byte allocation requests.
	ErrZeroSize = errors.New(NAME + ": zero size allocation")
	// ErrNoPool is returned when no pool matches the requested types.
	ErrNoPool = errors.New(NAME + ": no pool of the requested type")
	// ErrCapacityExhausted means the pool block table is full.
	ErrCapacityExhausted = errors.New(NAME + ": pool block table full")
	// ErrNoFit means no free gap in the pool is big enough.
	ErrNoFit = errors.New(NAME + ": no free gap large enough")
	// ErrPoolRejected means the region cannot host its own block table.
	ErrPoolRejected = errors.New(NAME + ": region too small for a pool")
	// ErrEmptyRegion is returned when adding a nil or 0 length region.
	ErrEmptyRegion = errors.New(NAME + ": empty region")
	// ErrTooManyPools is returned when all the pool slots are used.
	ErrTooManyPools = errors.New(NAME + ": too many pools")
	// ErrUnknownAddress means a free was attempted on an address that
	// does not start a live block.
	ErrUnknownAddress = errors.New(NAME + ": unknown address")
	// ErrCorrupted is returned by Check() for broken block tables.
	ErrCorrupted = errors.New(NAME + ": corrupted block table")
)
