// Package store declares the repository contract for persisting cycle runs.
package store
