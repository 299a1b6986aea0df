// Package naming provides consistent naming functions for the objects the
// operator derives from CAPI resources.
package naming
