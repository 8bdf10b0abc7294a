package storage

import "errors"

var errFailedWrite = errors.New("storage: write failed")
