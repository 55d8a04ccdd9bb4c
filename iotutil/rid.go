package iotutil

import (
	"strconv"
	"sync/atomic"
)

// NewRIDGenerator creates a new rid generator.
func NewRIDGenerator() *RIDGenerator {
	return new(RIDGenerator)
}

// RIDGenerator hands out unique request ids for request/response
// correlation, safe for concurrent use.
type RIDGenerator uint32

// Next returns the next request id, numbering starts from 1.
func (r *RIDGenerator) Next() string {
	return strconv.FormatUint(uint64(atomic.AddUint32((*uint32)(r), 1)), 10)
}
