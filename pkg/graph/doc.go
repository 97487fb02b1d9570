// Package graph orders resource kinds into dependency waves and tracks the
// execution state of the actions applied in those waves.
package graph
