package responder

import "errors"

// errQueueFull is returned by StartResponse when the gas queue is
// already at its configured maximum depth.
var errQueueFull = errors.New("responder: gas queue at max depth")
