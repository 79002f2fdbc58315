// Package service turns client image requests into remote generation jobs.
//
// A Builder maps each request kind onto a job spec: it resolves the remote
// function id, applies defaults and feature flags, and declares input images
// as lazy loaders over the blob store. GenerationService runs the spec through
// a TaskHandler and stores the primary image back into the blob store,
// returning its locator together with any generation profile.
//
// Text to image requests run as two jobs: a base generation followed by an
// upscale of that image to the requested size.
package service
