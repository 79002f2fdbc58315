// Package nvcf is a client for a remote asynchronous image-generation
// service. It manages bearer tokens, stages input assets, submits jobs and
// polls them to a terminal state, decodes fulfilled responses and classifies
// failures into typed errors.
//
// The submit/poll protocol is described by a Dialect so that deployments
// with different status-code conventions share one state machine. Assets
// staged for a job are always deleted before Client.Generate returns.
package nvcf
