// Package stateloader evaluates desired-state documents written in CUE. A
// Source supplies the raw CUE at a revision (a local file or directory, or a
// commit of a Git repository) and the Loader compiles it, serializes it into a
// canonical snapshot, and extracts the managed resources it declares.
package stateloader
