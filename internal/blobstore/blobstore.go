// Package blobstore stores job inputs and outputs as opaque blobs addressed by
// locator strings. Backends are the local filesystem and S3.
package blobstore

import (
	"context"
	"errors"
)

// Common errors returned by blob stores.
var (
	// ErrNotFound is returned when no blob exists at a locator.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidLocator is returned for locators a store cannot address.
	ErrInvalidLocator = errors.New("invalid blob locator")
)

// Store puts and gets blobs.
type Store interface {
	// Put stores data under key and returns the locator that Get accepts.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get returns the blob at locator.
	Get(ctx context.Context, locator string) ([]byte, error)
}
