package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// DefaultSize is the plaintext size of every chunk but the last.
const DefaultSize = 1 << 20

var (
	ErrChunkingFailed = errors.New("chunking failed")
	ErrSequenceGap    = errors.New("chunk sequence not contiguous")
)

// Chunk is one encrypted slice of a file.
type Chunk struct {
	FileID string
	Seq    int
	Worker string
	Size   int64
	Data   []byte
}

// File is the result of splitting: the file key plus its chunks in sequence order.
type File struct {
	ID     string
	Key    []byte
	Size   int64
	Chunks []Chunk
}

// Placer picks the worker that receives a chunk.
type Placer interface {
	Place(ctx context.Context, fileID string, seq int) (string, error)
}

// PlacerFunc adapts a function to Placer.
type PlacerFunc func(ctx context.Context, fileID string, seq int) (string, error)

func (f PlacerFunc) Place(ctx context.Context, fileID string, seq int) (string, error) {
	return f(ctx, fileID, seq)
}

type Option func(*Splitter)

// WithProgress registers a callback receiving bytesProcessed/totalBytes after
// every chunk. The last call is always exactly 1.0.
func WithProgress(fn func(float64)) Option {
	return func(s *Splitter) { s.progress = fn }
}

type Splitter struct {
	size     int
	placer   Placer
	progress func(float64)
}

func NewSplitter(size int, placer Placer, opts ...Option) *Splitter {
	if size <= 0 {
		size = DefaultSize
	}
	s := &Splitter{size: size, placer: placer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", ErrChunkingFailed, err)
}

// SplitFile splits the file at path.
func (s *Splitter) SplitFile(ctx context.Context, path, fileID string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failed(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, failed(err)
	}
	return s.Split(ctx, f, st.Size(), fileID)
}

// Split reads r in fixed-size blocks, encrypts each block with one fresh
// key for the whole file and asks the placer where each chunk goes. Any
// failure aborts the split; chunks already placed are not rolled back.
func (s *Splitter) Split(ctx context.Context, r io.Reader, total int64, fileID string) (*File, error) {
	key, err := NewKey()
	if err != nil {
		return nil, failed(err)
	}
	out := &File{ID: fileID, Key: key}
	buf := make([]byte, s.size)
	var done int64
	last := -1.0
	for seq := 0; ; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, failed(err)
		}
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil, failed(rerr)
		}
		if n == 0 {
			break
		}
		sealed, err := Encrypt(key, buf[:n])
		if err != nil {
			return nil, failed(err)
		}
		worker, err := s.placer.Place(ctx, fileID, seq)
		if err != nil {
			return nil, failed(fmt.Errorf("place chunk %d: %w", seq, err))
		}
		out.Chunks = append(out.Chunks, Chunk{FileID: fileID, Seq: seq, Worker: worker, Size: int64(n), Data: sealed})
		done += int64(n)
		last = s.report(done, total)
		if rerr != nil {
			break
		}
	}
	out.Size = done
	if last != 1 && s.progress != nil {
		s.progress(1)
	}
	return out, nil
}

func (s *Splitter) report(done, total int64) float64 {
	if s.progress == nil {
		return -1
	}
	p := 1.0
	if total > 0 && done < total {
		p = float64(done) / float64(total)
	}
	s.progress(p)
	return p
}

// Fetcher returns the sealed bytes of a chunk.
type Fetcher func(ctx context.Context, c Chunk) ([]byte, error)

// Reassemble decrypts the chunks in sequence order and writes the plaintext
// to w. Sequence numbers must run 0..n-1 without gaps. Chunks that carry
// their Data are not fetched.
func Reassemble(ctx context.Context, key []byte, chunks []Chunk, fetch Fetcher, w io.Writer) (int64, error) {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	var written int64
	for i, c := range ordered {
		if c.Seq != i {
			return written, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, i, c.Seq)
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		sealed := c.Data
		if sealed == nil {
			if fetch == nil {
				return written, fmt.Errorf("chunk %d has no data", c.Seq)
			}
			var err error
			if sealed, err = fetch(ctx, c); err != nil {
				return written, fmt.Errorf("fetch chunk %d: %w", c.Seq, err)
			}
		}
		plain, err := Decrypt(key, sealed)
		if err != nil {
			return written, fmt.Errorf("decrypt chunk %d: %w", c.Seq, err)
		}
		n, err := w.Write(plain)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Count returns the number of chunks a payload of size bytes produces.
func Count(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
