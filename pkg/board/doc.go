// Package board provides type-safe Go definitions and Redis schema patterns
// for the cadre planning board.
//
// # Overview
//
// The board is the central shared state system where all cadre components
// (orchestrator, dispatcher, workers, HTTP API, CLI) interact via well-defined
// data structures stored in Redis. It is the sole source of durable truth:
// jobs, tasks, artifacts, events, truth records and the module catalog all
// live here, and every cross-component handoff is a conditional write against
// this store.
//
// # Core Concepts
//
// Jobs are end-to-end planning requests that progress through a workflow of
// stages. Tasks are the units of work generated per stage, executed by role
// workers under a claim/lease discipline. Artifacts are immutable,
// content-addressed task outputs. Events form an append-only, per-job ordered
// log that drives both orchestration and live UI streaming. The truth record
// is the approved (requirements, PRD) pair that anchors all downstream work.
//
// # Ownership
//
// Each persistent field has exactly one writer: the orchestrator owns job
// status/stage, the dispatcher owns the queued↔claimed transitions, and the
// worker owns running→succeeded/failed. Lua scripts enforce these boundaries
// with compare-and-set semantics, so multiple orchestrator or dispatcher
// instances coordinate without leader election.
//
// # Multi-Deployment Support
//
// All Redis keys and Pub/Sub channels are namespaced, enabling several cadre
// deployments to safely coexist on a single Redis server with complete
// isolation of data and events.
//
// # Redis Schema
//
// All keys follow the pattern: cadre:{namespace}:{entity}:{id}
//
//	Jobs:       cadre:{ns}:job:{job_id}
//	Tasks:      cadre:{ns}:task:{task_id}
//	Queues:     cadre:{ns}:queue:{role}          (ZSET: priority + FIFO)
//	Leases:     cadre:{ns}:leases                (ZSET: expiry sweep)
//	Events:     cadre:{ns}:events:{job_id}       (ZSET: seq-ordered log)
//	Artifacts:  cadre:{ns}:artifact:{sha256}
//	Truth:      cadre:{ns}:truth:{job_id}
//	Catalog:    cadre:{ns}:catalog
//
// Live fan-out goes over Pub/Sub channel cadre:{ns}:event_stream; durable
// writes always precede fan-out, and slow subscribers are never allowed to
// block a publisher.
package board
