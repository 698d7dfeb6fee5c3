// Package diag defines the typed error record surfaced to callers in lieu
// of an audit review. Every per-request failure in the server is expressed
// as a Diagnostic; transport-level errors carry one in their data field.
package diag

import (
	"fmt"
	"strings"
)

type Category string

const (
	CategoryInstallation Category = "installation"
	CategoryEnvironment  Category = "environment"
	CategoryProcess      Category = "process"
	CategoryTimeout      Category = "timeout"
	CategoryPermission   Category = "permission"
	CategoryParse        Category = "parse"
	CategoryValidation   Category = "validation"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

type Diagnostic struct {
	Category           Category `json:"category"`
	Severity           Severity `json:"severity"`
	Message            string   `json:"message"`
	Details            string   `json:"details,omitempty"`
	Suggestions        []string `json:"suggestions,omitempty"`
	DocumentationLinks []string `json:"documentationLinks,omitempty"`
}

func (d *Diagnostic) Error() string {
	if strings.TrimSpace(d.Details) == "" {
		return fmt.Sprintf("%s: %s", d.Category, d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Category, d.Message, d.Details)
}

// New builds an error-severity Diagnostic.
func New(cat Category, msg string) *Diagnostic {
	return &Diagnostic{Category: cat, Severity: SeverityError, Message: msg}
}

// Newf builds an error-severity Diagnostic with a formatted message.
func Newf(cat Category, format string, args ...any) *Diagnostic {
	return New(cat, fmt.Sprintf(format, args...))
}

func (d *Diagnostic) WithDetails(details string) *Diagnostic {
	d.Details = details
	return d
}

func (d *Diagnostic) WithSeverity(s Severity) *Diagnostic {
	d.Severity = s
	return d
}

func (d *Diagnostic) WithSuggestions(s ...string) *Diagnostic {
	d.Suggestions = append(d.Suggestions, s...)
	return d
}

func (d *Diagnostic) WithDocs(links ...string) *Diagnostic {
	d.DocumentationLinks = append(d.DocumentationLinks, links...)
	return d
}
