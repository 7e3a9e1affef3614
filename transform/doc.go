// Package transform converts between HTTP payloads and the strings workers
// exchange: images are normalised before they are queued and numeric class
// results are mapped to labels on the way back.
package transform
