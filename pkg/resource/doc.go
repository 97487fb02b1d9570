// Package resource normalizes per-system documents into managed resources: an
// identity, an opaque body, and the provenance the engine stamps into the body on
// apply so later listings can tell owned resources from unmanaged ones. Bodies are
// compared after stripping a required denylist of system-generated fields.
package resource
