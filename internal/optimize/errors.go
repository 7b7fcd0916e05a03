package optimize

import "errors"

var errBatcherClosed = errors.New("optimize: heartbeat batcher is closed")
