// Package syntax provides string types for the atproto identifiers this
// module works with: handles, DIDs, and the union of the two.
//
// The types are thin wrappers over string. Always construct them through the
// Parse helpers when working with external input; the wrapper types themselves
// do no validation.
package syntax
