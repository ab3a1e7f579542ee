package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // Zone names must resolve on hosts without zoneinfo.

	"github.com/go-playground/validator/v10"
)

// ConfigError reports every configuration field that failed validation.
type ConfigError struct {
	Fields []FieldProblem
}

// FieldProblem is one failed field: its dotted path and the rule it broke.
type FieldProblem struct {
	Field string
	Rule  string
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" ("+f.Rule+")")
	}
	return "invalid configuration: " + strings.Join(parts, ", ")
}

// Has reports whether field appears among the problems.
func (e *ConfigError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

var (
	vOnce sync.Once
	v     *validator.Validate
)

func validate() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
	})
	return v
}

// Validate checks the settings every command needs. When the storage backend
// is s3 the R2 section is checked as well.
func (c *Config) Validate() error {
	var problems []FieldProblem
	problems = append(problems, structProblems(c)...)

	if c.Extract.Timezone != "" {
		if _, err := time.LoadLocation(c.Extract.Timezone); err != nil {
			problems = append(problems, FieldProblem{Field: "Config.Extract.Timezone", Rule: "timezone"})
		}
	}

	if c.Storage.Backend == "s3" {
		problems = append(problems, structProblems(&c.R2)...)
	}

	if len(problems) > 0 {
		return &ConfigError{Fields: problems}
	}
	return nil
}

// ValidateR2 checks only the object store credentials and bucket names, for
// commands that talk to R2 regardless of the extraction backend.
func (c *Config) ValidateR2() error {
	if problems := structProblems(&c.R2); len(problems) > 0 {
		return &ConfigError{Fields: problems}
	}
	return nil
}

func structProblems(s any) []FieldProblem {
	err := validate().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldProblem{{Field: fmt.Sprintf("%T", s), Rule: err.Error()}}
	}
	out := make([]FieldProblem, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldProblem{Field: fe.Namespace(), Rule: fe.Tag()})
	}
	return out
}

// Location returns the time zone extraction days are counted in.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Extract.Timezone)
}
