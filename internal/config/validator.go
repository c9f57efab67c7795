package config

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Has reports whether any error was recorded for field.
func (e *ValidationErrors) Has(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate checks the semantic rules the schema cannot express. It expects
// defaults to have been applied.
//
// Returns nil if valid, or a *ValidationErrors containing every problem.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateGlobal(&c.Global, errs)
	validateGenerators(c.Generators, errs)

	if len(c.UserGroups) == 0 {
		errs.Add("user_groups", "at least one user group is required")
	}
	seen := make(map[string]bool, len(c.UserGroups))
	for i, g := range c.UserGroups {
		prefix := fmt.Sprintf("user_groups[%d]", i)
		validateUserGroup(prefix, &g, c.Generators, errs)
		if g.Name != "" {
			if seen[g.Name] {
				errs.Add(prefix+".name", fmt.Sprintf("duplicate user group name: %s", g.Name))
			}
			seen[g.Name] = true
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateGlobal(g *Global, errs *ValidationErrors) {
	if g.RunTime <= 0 {
		errs.Add("global.run_time", "run_time must be greater than 0")
	}
	if g.Rampup < 0 {
		errs.Add("global.rampup", "rampup cannot be negative")
	}
	if g.ResultsTSInterval <= 0 {
		errs.Add("global.results_ts_interval", "results_ts_interval must be greater than 0")
	}
	if g.FlushDelay < 0 {
		errs.Add("global.flush_delay", "flush_delay cannot be negative")
	}

	switch g.Isolation {
	case IsolationProcess, IsolationGoroutine:
	default:
		errs.Add("global.isolation", fmt.Sprintf("unknown isolation mode: %s", g.Isolation))
	}
	switch g.GeneratorTransport {
	case "rpc", "http":
	default:
		errs.Add("global.generator_transport", fmt.Sprintf("unknown generator transport: %s", g.GeneratorTransport))
	}
}

func validateGenerators(gens map[string]string, errs *ValidationErrors) {
	names := make([]string, 0, len(gens))
	for name := range gens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(gens[name]) == "" {
			errs.Add("generators."+name, "generator script is required")
		}
	}
}

func validateUserGroup(prefix string, g *UserGroup, gens map[string]string, errs *ValidationErrors) {
	if g.Name == "" {
		errs.Add(prefix+".name", "name is required")
	} else if strings.ContainsAny(g.Name, ",\r\n") {
		errs.Add(prefix+".name", "name cannot contain commas or line breaks")
	}
	if g.Threads < 1 {
		errs.Add(prefix+".threads", "threads must be at least 1")
	}
	if strings.TrimSpace(g.Script) == "" {
		errs.Add(prefix+".script", "script is required")
	}
	if g.Generator != "" {
		if _, ok := gens[g.Generator]; !ok {
			errs.Add(prefix+".generator", fmt.Sprintf("generator %s required by user group %s was not defined in the generators section", g.Generator, g.Name))
		}
	}
}
