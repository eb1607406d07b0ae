// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "fmt"

// Config controls loop limits for the Orchestrator.
type Config struct {
	// RecursionLimit caps the number of stage executions in one run.
	// Default: 100
	RecursionLimit int `json:"recursion_limit" yaml:"recursion_limit"`

	// MaxReworksPerStep caps consecutive reworks of a single step. When
	// the cap is reached the step is re-implemented once with the failing
	// test output, and its reworks restart; hitting the cap again fails
	// the run. Zero disables the cap so only RecursionLimit applies.
	// Default: 5
	MaxReworksPerStep int `json:"max_reworks_per_step" yaml:"max_reworks_per_step"`
}

// DefaultConfig returns the default loop limits.
func DefaultConfig() Config {
	return Config{
		RecursionLimit:    100,
		MaxReworksPerStep: 5,
	}
}

// Validate checks the configuration.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig when a limit is out of range
func (c Config) Validate() error {
	if c.RecursionLimit <= 0 {
		return fmt.Errorf("%w: RecursionLimit must be positive", ErrInvalidConfig)
	}
	if c.MaxReworksPerStep < 0 {
		return fmt.Errorf("%w: MaxReworksPerStep must not be negative", ErrInvalidConfig)
	}
	return nil
}
