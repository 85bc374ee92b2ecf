// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

// SyncState tracks whether the server agrees with the desired configuration of an object.
type SyncState int32

const (
	// SyncStateInitial means the object exists only in the client.
	SyncStateInitial SyncState = iota
	// SyncStateSynchronized means the server state matches the desired state.
	SyncStateSynchronized
	// SyncStateUnsynchronized means the desired state has changed since the server last acknowledged it.
	SyncStateUnsynchronized
)

func (s SyncState) String() string {
	switch s {
	case SyncStateInitial:
		return "Initial"
	case SyncStateSynchronized:
		return "Synchronized"
	case SyncStateUnsynchronized:
		return "Unsynchronized"
	default:
		return "Unknown"
	}
}
