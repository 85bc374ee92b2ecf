// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"math"
	"sync"
)

// ClientHandleSequence allocates client handles that are unique within a subscription.
type ClientHandleSequence struct {
	sync.Mutex
	handle uint32
	inUse  map[uint32]struct{}
}

// NewClientHandleSequence returns a new sequence.
func NewClientHandleSequence() *ClientHandleSequence {
	return &ClientHandleSequence{inUse: make(map[uint32]struct{})}
}

// Next gets next handle in sequence, skipping zero and handles in use.
func (s *ClientHandleSequence) Next() uint32 {
	s.Lock()
	defer s.Unlock()
	for {
		if s.handle == math.MaxUint32 {
			s.handle = 0
		}
		s.handle++
		if _, ok := s.inUse[s.handle]; !ok {
			s.inUse[s.handle] = struct{}{}
			return s.handle
		}
	}
}

// Release returns the handle to the sequence.
func (s *ClientHandleSequence) Release(handle uint32) {
	s.Lock()
	defer s.Unlock()
	delete(s.inUse, handle)
}

// InUse returns true if the handle is allocated.
func (s *ClientHandleSequence) InUse(handle uint32) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.inUse[handle]
	return ok
}
