// Package task runs generation jobs in the background. Jobs read from a
// message queue become GenerationTasks on a bounded in-process TaskQueue, and
// a WorkerPool executes them with a per-task timeout. Every task publishes
// exactly one Result, success or failure, before its source message is
// acknowledged.
package task
