// Package queue connects the worker to the message queue that carries
// generation jobs in and results out. Redis lists and SQS queues are
// supported; the Consumer feeds decoded jobs into the in-process task queue.
package queue
