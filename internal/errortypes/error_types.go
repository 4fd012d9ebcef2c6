package errortypes

import "fmt"

// APIRequestFailedError marks a failed call to the Kubernetes API server, including
// broken watch streams.
type APIRequestFailedError struct {
	Err error
}

func (a *APIRequestFailedError) Error() string {
	return a.Err.Error()
}

func (a *APIRequestFailedError) Unwrap() error {
	return a.Err
}

// PersistenceError marks a failure to load or save the persisted Vector configuration.
type PersistenceError struct {
	Path string
	Err  error
}

func (p *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}

func (p *PersistenceError) Unwrap() error {
	return p.Err
}
