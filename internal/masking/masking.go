// Package masking defines the Maskings contract of section 4.K: the
// per-collection predicates and document transform that the dumpData
// writer contract consults. Masking rule evaluation itself is
// explicitly out of scope (§1 non-goals); this package specifies the
// contract and a reference no-op implementation.
package masking

// Document is an opaque, already-decoded document as produced by
// docformat when it needs to pass a value through a mask.
type Document = map[string]any

// Maskings is the external collaborator contract of §4.K. Nil is a
// valid Maskings value meaning "no masking configured"; callers should
// prefer checking for nil over calling into a no-op implementation
// where possible, but docformat treats both identically.
type Maskings interface {
	// ShouldDumpStructure reports whether a collection's structure file
	// should be written at all.
	ShouldDumpStructure(collection string) bool
	// ShouldDumpData reports whether a collection's data should be
	// written at all (a collection can have its structure dumped with
	// its data fully suppressed).
	ShouldDumpData(collection string) bool
	// Mask transforms one decoded document in place, or returns ok=false
	// to drop the document entirely from the output.
	Mask(collection string, doc Document) (out Document, ok bool)
	// Passthrough reports whether every collection's data can be
	// written to disk verbatim, without decoding/re-encoding through
	// Mask, because no masking is configured at all. docformat uses
	// this to take the verbatim-copy path §4.K specifies for the
	// no-masking case.
	Passthrough() bool
}

// None is the reference implementation: every collection's structure
// and data are dumped, and Mask is the identity transform.
type None struct{}

var _ Maskings = None{}

func (None) ShouldDumpStructure(string) bool { return true }
func (None) ShouldDumpData(string) bool      { return true }
func (None) Mask(_ string, doc Document) (Document, bool) {
	return doc, true
}
func (None) Passthrough() bool { return true }
