package common

import (
	"github.com/google/uuid"
)

// NewBatchJobID generates a unique batch-system job ID with the "bs_" prefix.
// Format: bs_<uuid>
func NewBatchJobID() string {
	return "bs_" + uuid.New().String()
}

// NewFileStoreID generates a unique shared-file ID with the "file_" prefix,
// used as the ID of each stats/logging record the Badger store writes.
func NewFileStoreID() string {
	return "file_" + uuid.New().String()
}
