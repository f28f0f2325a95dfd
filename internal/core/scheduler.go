package core

import "fmt"

// ChunkURLs splits urls into consecutive chunks of at most size entries. Order is kept
// within and across chunks.
func ChunkURLs(urls []string, size int) ([][]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, size)
	}
	chunks := make([][]string, 0, (len(urls)+size-1)/size)
	for i := 0; i < len(urls); i += size {
		end := i + size
		if end > len(urls) {
			end = len(urls)
		}
		chunks = append(chunks, urls[i:end:end])
	}
	return chunks, nil
}
