package watcher

import "errors"

// errConfirmationOrder is returned by New when constructed with a
// response-confirmation depth deeper than the removal-confirmation
// depth, which would let an appointment be evicted before it ever had
// a chance to be responded to.
var errConfirmationOrder = errors.New("watcher: confirmationsBeforeResponse must not exceed confirmationsBeforeRemoval")
