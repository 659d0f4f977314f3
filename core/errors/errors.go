// Package errors provides standardized error types and helpers for the ScoreBridge codebase.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrInternal indicates an internal system error
	ErrInternal = errors.New("internal error")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
	// ErrImport indicates a document that cannot be imported at all
	ErrImport = errors.New("import failed")
	// ErrConversion indicates a conversion-level problem with one element
	ErrConversion = errors.New("conversion failed")
)

// Kind classifies a ConversionError.
type Kind int

const (
	// KindUnresolvedReference is a reference (span end, anchor) with no target.
	KindUnresolvedReference Kind = iota + 1
	// KindMissingRequired is a required attribute or child that is absent.
	KindMissingRequired
	// KindInvalidValue is a value outside its domain.
	KindInvalidValue
	// KindUnsupportedFeature is a recognized construct the target cannot express.
	KindUnsupportedFeature
	// KindInvalidStructure is a structurally impossible arrangement.
	KindInvalidStructure
)

var kindNames = map[Kind]string{
	KindUnresolvedReference: "unresolved reference",
	KindMissingRequired:     "missing required",
	KindInvalidValue:        "invalid value",
	KindUnsupportedFeature:  "unsupported feature",
	KindInvalidStructure:    "invalid structure",
}

// String returns the human-readable kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "format", "entry", "run")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a syntax error raised by a format parser.
type ParseError struct {
	Format  string // Format being parsed (e.g., "LilyPond", "MusicXML")
	Path    string // File path, if applicable
	Line    int    // 1-based line, 0 when unknown
	Column  int    // 1-based column, 0 when unknown
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	loc := ""
	switch {
	case e.Path != "" && e.Line > 0:
		loc = fmt.Sprintf(" at %s:%d:%d", e.Path, e.Line, e.Column)
	case e.Path != "":
		loc = " at " + e.Path
	case e.Line > 0:
		loc = fmt.Sprintf(" at %d:%d", e.Line, e.Column)
	}
	return fmt.Sprintf("failed to parse %s%s: %s", e.Format, loc, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// ImportError is a structural failure that makes a whole import impossible,
// such as a document that declares music but contains none.
type ImportError struct {
	Format   string // Source format
	Location string // Where the problem was detected (element path or id)
	Message  string
	Err      error
}

func (e *ImportError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("cannot import %s at %s: %s", e.Format, e.Location, e.Message)
	}
	return fmt.Sprintf("cannot import %s: %s", e.Format, e.Message)
}

func (e *ImportError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrImport
}

// ConversionError describes a problem with one element during conversion.
// Most of these are collected as diagnostics rather than returned.
type ConversionError struct {
	Kind    Kind
	Element string // Element identity or path
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Element, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConversionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConversion
}

// UnsupportedError represents an unsupported feature or format
type UnsupportedError struct {
	Feature string // Feature or format that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// NewImport creates an ImportError
func NewImport(format, location, message string) *ImportError {
	return &ImportError{
		Format:   format,
		Location: location,
		Message:  message,
	}
}

// NewConversion creates a ConversionError
func NewConversion(kind Kind, element, message string) *ConversionError {
	return &ConversionError{
		Kind:    kind,
		Element: element,
		Message: message,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
