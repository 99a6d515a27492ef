package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrBufferPoolFull   = errors.New("buffer pool is full and no pages can be evicted")
	ErrIO               = errors.New("i/o error")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrSchedulerStopped = errors.New("disk scheduler is stopped")
)
