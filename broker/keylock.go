// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash/fnv"
	"sync"
)

const clientLockShards = 64

// clientLocks serializes connect and disconnect of the same client ID.
// Distinct IDs may share a shard; they only contend, never deadlock.
type clientLocks [clientLockShards]sync.Mutex

// lock acquires the shard of clientID and returns its unlock function.
func (cl *clientLocks) lock(clientID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	mu := &cl[h.Sum32()%clientLockShards]
	mu.Lock()
	return mu.Unlock
}
