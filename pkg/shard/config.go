package shard

import (
	"strings"

	"cuelang.org/go/cue"

	"github.com/chazu/steward/pkg/errdefs"
)

// wildcard fans a selector out over every element of a list or every field of a struct
const wildcard = "[*]"

// Config declares how to extract shardable items and their keys from a
// desired-state document
type Config struct {
	// ArgName is the name of the run parameter carrying the selected shard keys
	ArgName string `json:"argName,omitempty"`

	// PathSelectors locate item collections in the document, e.g. "clusters" or
	// "resources[*]". Items are the elements of the collection a selector names;
	// every [*] in the selector adds one more level of fan-out, so "resources[*]"
	// selects the elements of every collection under resources.
	PathSelectors []string `json:"pathSelectors"`

	// KeySelector is evaluated against every item to obtain its shard key
	KeySelector string `json:"keySelector"`
}

// IsZero returns true when no sharding is configured
func (c Config) IsZero() bool {
	return len(c.PathSelectors) == 0 && c.KeySelector == ""
}

// Validate checks that every selector parses
func (c Config) Validate() error {
	if len(c.PathSelectors) == 0 {
		return errdefs.NewConfigurationError("shard config requires at least one path selector")
	}
	if c.KeySelector == "" {
		return errdefs.NewConfigurationError("shard config requires a key selector")
	}
	for _, s := range c.PathSelectors {
		if _, err := parseSelector(s); err != nil {
			return err
		}
	}
	if _, err := parseKeySelector(c.KeySelector); err != nil {
		return err
	}
	return nil
}

// selector is a parsed path selector: lookups separated by fan-outs
type selector struct {
	raw   string
	steps []cue.Path
}

// parseSelector splits a selector on [*] and appends the implicit final fan-out.
// Every step is looked up, then fanned out; an empty step fans out the current
// value directly.
func parseSelector(raw string) (selector, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return selector{}, errdefs.NewConfigurationError("empty shard path selector")
	}
	pieces := strings.Split(trimmed, wildcard)
	sel := selector{raw: raw}
	for _, piece := range pieces {
		piece = strings.TrimPrefix(piece, ".")
		if piece == "" {
			sel.steps = append(sel.steps, cue.Path{})
			continue
		}
		p := cue.ParsePath(piece)
		if p.Err() != nil {
			return selector{}, errdefs.WrapConfigurationError(p.Err(), "invalid shard path selector %q", raw)
		}
		sel.steps = append(sel.steps, p)
	}
	return sel, nil
}

func parseKeySelector(raw string) (cue.Path, error) {
	if strings.Contains(raw, wildcard) {
		return cue.Path{}, errdefs.NewConfigurationError("shard key selector %q must not fan out", raw)
	}
	p := cue.ParsePath(strings.TrimSpace(raw))
	if p.Err() != nil {
		return cue.Path{}, errdefs.WrapConfigurationError(p.Err(), "invalid shard key selector %q", raw)
	}
	return p, nil
}
