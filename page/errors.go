package page

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations.
var (
	ErrDuplicateURL = errors.New("page url already exists")
	ErrNotFound     = errors.New("page not found")
	ErrInvalidInput = errors.New("invalid page input")
	ErrStorage      = errors.New("page storage failure")
)

// StorageError reports a failure of the underlying storage medium.
// errors.Is(err, ErrStorage) holds for every StorageError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("page: sqlite %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func isUniqueURLViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: "+tableName+".url")
}
