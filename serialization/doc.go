// Package serialization encodes work queue envelopes and decodes worker replies.
package serialization
