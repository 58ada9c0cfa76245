// Package modelxfer implements the FlowModelSender/Receiver file transport
// of spec §6: chunked streaming of submodel artifacts over a
// gwtransport.Queue to a deterministic per-session path, with sha256
// round-trip verification. It has no content-sharing flow for
// shared-variable payloads; TransferQueueDepth is the only part of one here.
package modelxfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

// ChunkSize bounds a single wire chunk; large artifacts are split into
// several (spec §6: "large artifacts ... are sent in chunks").
const ChunkSize = 4 << 20 // 4 MiB

// TransferQueueDepth matches spec §6's "dedicated per-device transfer
// queue (depth 128, pull mode)".
const TransferQueueDepth = 128

// Chunk is one piece of a file transfer.
type Chunk struct {
	SessionID    string
	RootModel    string
	RelativePath string
	Offset       int64
	Data         []byte
	EOF          bool
	SHA256       string // populated on the EOF chunk: the sender's full-file digest
}

// Sender streams a local file to a receiver in ChunkSize pieces over a
// gwtransport.Queue, retrying a failed Enqueue with backoff so a transient
// full/blocked queue does not abort the whole transfer (spec §6 implies
// resumable chunk delivery; the original source's retry-on-transient-
// failure idiom is carried here as an exponential backoff, grounded in
// github.com/cenkalti/backoff/v4, a dependency already present in the
// teacher's go.mod).
type Sender struct {
	fs    afero.Fs
	queue *gwtransport.Queue
}

// NewSender constructs a Sender that reads from fs and writes chunks onto
// queue.
func NewSender(fs afero.Fs, queue *gwtransport.Queue) *Sender {
	return &Sender{fs: fs, queue: queue}
}

// SendFile streams localPath in chunks, tagging each with sessionID/
// rootModel/relativePath so the receiver can reconstruct the deterministic
// destination path of spec §6.
func (s *Sender) SendFile(ctx context.Context, sessionID, rootModel, relativePath, localPath string) error {
	f, err := s.fs.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "modelxfer: open %s", localPath)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, ChunkSize)
	var offset int64

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			chunk := Chunk{
				SessionID: sessionID, RootModel: rootModel, RelativePath: relativePath,
				Offset: offset, Data: append([]byte(nil), buf[:n]...),
			}
			if err := s.sendWithRetry(ctx, chunk); err != nil {
				return err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "modelxfer: read %s", localPath)
		}
	}

	eof := Chunk{
		SessionID: sessionID, RootModel: rootModel, RelativePath: relativePath,
		Offset: offset, EOF: true, SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}
	return s.sendWithRetry(ctx, eof)
}

func (s *Sender) sendWithRetry(ctx context.Context, chunk Chunk) error {
	payload, err := encodeChunk(chunk)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		return s.queue.Enqueue(ctx, gwtransport.Message{TransID: chunk.SessionID, Data: payload})
	}, policy)
}

// Receiver drains a queue of Chunks, writing each to
// <baseDir>/<session>/<root_model>/<relative> and verifying the sender's
// sha256 on the EOF chunk (spec §6, §8's file-transport round-trip law).
type Receiver struct {
	fs      afero.Fs
	baseDir string
	logger  logging.Interface

	open map[string]afero.File
	hash map[string]hash.Hash
}

// NewReceiver constructs a Receiver writing under baseDir via fs.
func NewReceiver(fs afero.Fs, baseDir string, logger logging.Interface) *Receiver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Receiver{fs: fs, baseDir: baseDir, logger: logger, open: make(map[string]afero.File), hash: make(map[string]hash.Hash)}
}

func transferKey(sessionID, rootModel, relativePath string) string {
	return sessionID + "/" + rootModel + "/" + relativePath
}

// DestPath returns the deterministic destination path of spec §6.
func (r *Receiver) DestPath(sessionID, rootModel, relativePath string) string {
	return filepath.Join(r.baseDir, sessionID, rootModel, relativePath)
}

// Drain reads chunks from queue until the context is canceled or a fatal
// write error occurs, dispatching each to HandleChunk.
func (r *Receiver) Drain(ctx context.Context, queue *gwtransport.Queue) error {
	for {
		msg, err := queue.Dequeue(ctx, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		chunk, err := decodeChunk(msg.Data)
		if err != nil {
			r.logger.WithError(err).Warn("modelxfer: dropped undecodable chunk")
			continue
		}
		if err := r.HandleChunk(chunk); err != nil {
			return err
		}
	}
}

// HandleChunk writes a single chunk, opening the destination file lazily
// and closing it on the EOF-marked chunk (spec §6).
func (r *Receiver) HandleChunk(chunk Chunk) error {
	key := transferKey(chunk.SessionID, chunk.RootModel, chunk.RelativePath)

	f, ok := r.open[key]
	if !ok {
		dest := r.DestPath(chunk.SessionID, chunk.RootModel, chunk.RelativePath)
		if err := r.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(err, "modelxfer: mkdir for %s", dest)
		}
		var err error
		f, err = r.fs.Create(dest)
		if err != nil {
			return errors.Wrapf(err, "modelxfer: create %s", dest)
		}
		r.open[key] = f
		r.hash[key] = sha256.New()
	}

	if len(chunk.Data) > 0 {
		if _, err := f.Write(chunk.Data); err != nil {
			return errors.Wrapf(err, "modelxfer: write chunk for %s", key)
		}
		r.hash[key].Write(chunk.Data)
	}

	if !chunk.EOF {
		return nil
	}

	defer delete(r.open, key)
	defer delete(r.hash, key)
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "modelxfer: close %s", key)
	}

	got := hex.EncodeToString(r.hash[key].Sum(nil))
	if chunk.SHA256 != "" && got != chunk.SHA256 {
		return errors.Errorf("modelxfer: sha256 mismatch for %s: want %s got %s", key, chunk.SHA256, got)
	}
	return nil
}
