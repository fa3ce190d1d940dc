// Package compiler implements the kernel's compiler adapter (spec.md §4.5,
// component C5): it validates and compiles tenant-supplied service source
// into a runnable module. Per SPEC_FULL.md §4.5, the "elixir_source" format
// left unspecified by the distilled spec is realized here as a small
// JavaScript-like service definition executed by goja: the source must
// define a global start_link(initArg) that returns an object exposing a
// handle(state, message) method, and may optionally expose
// code_change(oldState) for hot swap.
package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

// EntryPoint is the global function every service module must define.
const EntryPoint = "start_link"

// Module is the output of a successful compile: a sanitized identifier and
// the validated source. goja recompiles from source per worker
// instantiation rather than caching bytecode, matching the teacher's script
// engine (no persistent bytecode cache).
type Module struct {
	Identifier string
	Source     string
}

var identitySanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// ModuleIdentifier builds the sanitized {tenant}_{service} identifier used
// to namespace compiled modules (spec.md §4.5's contract).
func ModuleIdentifier(tenantID, serviceID string) string {
	t := identitySanitizer.ReplaceAllString(tenantID, "_")
	s := identitySanitizer.ReplaceAllString(serviceID, "_")
	return fmt.Sprintf("%s_%s", t, s)
}

// Validate performs a syntax-only check of source, mirroring the teacher's
// ValidateScript: a full compile would require executing start_link, which
// Validate deliberately avoids.
func Validate(source string) error {
	if strings.TrimSpace(source) == "" {
		return kernelerrors.InvalidInput("source", "must not be empty")
	}
	if _, err := goja.Compile("validate.js", source, false); err != nil {
		return kernelerrors.CompileFailed(err)
	}
	if !strings.Contains(source, EntryPoint) {
		return kernelerrors.CompileFailed(fmt.Errorf("source does not define %s", EntryPoint))
	}
	return nil
}

// Compile validates source and returns the {module_identifier, bytecode}
// pair the deployer persists and later instantiates.
func Compile(tenantID, serviceID, source string) (Module, error) {
	if err := Validate(source); err != nil {
		return Module{}, err
	}
	return Module{
		Identifier: ModuleIdentifier(tenantID, serviceID),
		Source:     source,
	}, nil
}
