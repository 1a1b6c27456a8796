package provider

import "fmt"

// ProviderFault is a model stream failure. It ends the stream with an error event and
// leaves the user turn in place.
type ProviderFault struct {
	Op    string
	Model string
	Err   error
}

func (e *ProviderFault) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Op, e.Model, e.Err)
}

func (e *ProviderFault) Unwrap() error { return e.Err }
