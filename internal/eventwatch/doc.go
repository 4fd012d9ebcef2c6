// Package eventwatch feeds the pod and rule object watch streams of a node into the
// reconciler.
//
// Each stream is consumed by its own loop and its events are handled strictly in order.
// The two loops run concurrently, the handler is responsible for serializing its edits.
// A stream closed by the API server is re-established from the last seen resource
// version. A failed watch request or an error event stops the dispatcher with an
// errortypes.APIRequestFailedError, leaving the restart to the process supervisor.
package eventwatch
