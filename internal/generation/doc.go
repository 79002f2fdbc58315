// Package generation runs image-generation jobs on behalf of callers. Its
// Handler is the boundary between the application and the remote inference
// client: it times each job, records task metrics and turns every failure
// into a single TaskError carrying the task id and a scrubbed reason.
//
// The Handler never retries. Retry policy, if any, belongs to the caller.
package generation
