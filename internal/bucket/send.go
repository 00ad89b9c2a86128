package bucket

import (
	"context"
	"errors"
	"io"
)

// Send copies from src to dst in rate-limited chunks, using chunkSize as the
// write unit (SocketChunkSize for plain sockets, FileChunkSize when src is
// backed by a file). A nil bucket performs an unlimited chunked copy.
//
// Chunking during the transfer -- rather than sleeping once up front --
// keeps a rate-limited response incrementally visible to the client and
// lets ctx cancellation take effect between chunks.
func Send(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int, b *TokenBucket) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = SocketChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if b != nil {
				b.Wait(n)
			}
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
