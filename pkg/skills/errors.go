package skills

import "fmt"

// ConflictError is returned when an upload targets an existing skill and
// replacement was not requested.
type ConflictError struct {
	ID   string
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("skill %q already exists", e.Name)
}

// NotFoundError reports a missing skill, script, reference, asset or manifest.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ProtectedError rejects mutations of the core built-in skill.
type ProtectedError struct {
	ID string
	Op string
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf("cannot %s built-in skill %q", e.Op, e.ID)
}

// DisabledError is returned when running a script of a disabled skill.
type DisabledError struct {
	ID string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("skill %q is disabled", e.ID)
}
