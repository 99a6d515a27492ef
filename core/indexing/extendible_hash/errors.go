package extendiblehash

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid extendible hash table configuration")
	ErrCorruptDirectory = errors.New("corrupt hash directory")
	ErrCorruptBucket    = errors.New("corrupt hash bucket")
	ErrNotAHashTable    = errors.New("page is not an extendible hash table header")
)
