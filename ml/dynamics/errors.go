package dynamics

import "fmt"

// The retrieval error taxonomy. Structural problems with a run directory
// (LocationNotFoundError) are distinct from the expected, user-facing "this step was never
// saved" condition (InvalidStepError): the former mean the location itself is wrong or
// malformed, the latter only that a different step should be requested.

// LocationNotFoundError indicates a structural problem with a local run directory: the
// path doesn't exist, or it doesn't have the layout a training run produces.
type LocationNotFoundError struct {
	Path   string
	Reason string
}

func (e *LocationNotFoundError) Error() string {
	return fmt.Sprintf("run path %q: %s", e.Path, e.Reason)
}

// InvalidStepError indicates the requested step was never saved for the given location and
// split. Use errors.As to detect it and report the step back to the user.
type InvalidStepError struct {
	Step    int
	Message string
}

func (e *InvalidStepError) Error() string {
	return e.Message
}

// ConfigParseError indicates the training configuration file exists but failed to parse.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("failed to parse training config %q: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }
