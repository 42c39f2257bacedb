package uploader

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is 1MB, small enough to retry cheaply on a flaky link.
const DefaultChunkSize = 1 << 20

// ErrEmptyFile is returned when there is nothing to upload.
var ErrEmptyFile = errors.New("file is empty, nothing to upload")

// Chunk is one contiguous byte range of the source file. Index runs
// 0..totalChunks-1 and the partition is fixed at split time.
type Chunk struct {
	Index    int
	Offset   int64
	Length   int64
	Uploaded bool
	Retries  int
}

// Split partitions size bytes into ceil(size/chunkSize) contiguous ranges,
// the last possibly shorter. The same (size, chunkSize) always yields the
// same partition.
func Split(size, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid file size: %d", size)
	}
	if size == 0 {
		return nil, ErrEmptyFile
	}

	chunks := make([]Chunk, 0, (size+chunkSize-1)/chunkSize)
	index := 0
	for start := int64(0); start < size; start += chunkSize {
		length := chunkSize
		if start+length > size {
			length = size - start
		}
		chunks = append(chunks, Chunk{Index: index, Offset: start, Length: length})
		index++
	}
	return chunks, nil
}
