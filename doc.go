// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package ipc provides the runtime for typed, actor-based messaging between
// two processes or two threads, with large payloads moved through shared memory.
// The runtime is split into the following packages:
//	shm      - anonymous shared memory handles: create, map, freeze, clone.
//	mmf      - process-local mappings of shared memory handles.
//	snapshot - one-shot builder of read-only shared memory snapshots.
//	wire     - message header and payload codec with shared memory spillover.
//	channel  - transport: inter-process and intra-process links.
//	shmem    - actor-scoped shared memory segments.
//	actor    - actor trees, lifecycle proxies and the toplevel actor.
// This package holds the vocabulary shared by all of them.
package ipc
