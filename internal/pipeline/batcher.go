package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/wireflow-go/wireflow/internal/pipeline/codec"
	"github.com/wireflow-go/wireflow/internal/pipeline/config"
	errspkg "github.com/wireflow-go/wireflow/internal/pipeline/errors"
)

// Frame wire layout: one marker byte, a big-endian uint32 body length,
// then the body. The body is the event name followed by the payload
// value (single) or payload sequence (batch), zlib-deflated when the
// compressed bit is set.
const (
	markerCompressed = 0x01
	markerBatch      = 0x02
	frameHeaderSize  = 5

	// maxInflatedBody caps decompression so a hostile frame cannot
	// balloon into arbitrary memory.
	maxInflatedBody = 64 << 20
)

// Frame is one encoded frame together with its delivery metadata.
type Frame struct {
	Destination string
	Event       string
	Bytes       []byte
	Items       int
	Batch       bool
	Compressed  bool
}

type batchKey struct {
	destination string
	event       string
}

type pendingBatch struct {
	items     []codec.Value
	createdAt time.Time
	dirty     bool
	compress  *bool
}

// batcher buffers payloads per (destination, event) key and turns them
// into the minimum number of frames, compressing when that makes the
// frame strictly smaller. Flushed frames are handed to the emit
// callback outside the batcher lock.
type batcher struct {
	mu      sync.Mutex
	pending map[batchKey]*pendingBatch

	cfg    config.Config
	emit   func(Frame)
	report func(context string, err error)
	now    func() time.Time

	// onDrop, when set, observes payloads discarded because their frame
	// could not be built at flush time.
	onDrop func(destination, event string, err error)
}

func newBatcher(cfg config.Config, emit func(Frame), report func(string, error), now func() time.Time) *batcher {
	if now == nil {
		now = time.Now
	}
	return &batcher{
		pending: make(map[batchKey]*pendingBatch),
		cfg:     cfg,
		emit:    emit,
		report:  report,
		now:     now,
	}
}

// Submit queues one payload. Non-batchable events (and everything when
// batching is disabled) flush immediately as single-item frames and
// surface encoding errors to the caller. Batchable payloads join the
// pending batch for their key; reaching MaxBatchSize flushes the batch
// right away rather than waiting for the next sweep.
func (e *batcher) Submit(destination, event string, payload codec.Value, batchable bool, compress *bool) error {
	if e.cfg.DisableBatching || !batchable {
		frame, err := e.buildFrame(destination, event, []codec.Value{payload}, false, compress)
		if err != nil {
			return err
		}
		e.emit(frame)
		return nil
	}

	key := batchKey{destination: destination, event: event}

	e.mu.Lock()
	pb := e.pending[key]
	if pb == nil {
		pb = &pendingBatch{}
		e.pending[key] = pb
	}
	if !pb.dirty {
		pb.createdAt = e.now()
		pb.dirty = true
		pb.compress = compress
	}
	pb.items = append(pb.items, payload)

	var full []codec.Value
	if len(pb.items) >= e.cfg.MaxBatchSize {
		full = pb.items
		pb.items = nil
		pb.dirty = false
	}
	e.mu.Unlock()

	if full != nil {
		e.flush(key, full, compress)
	}
	return nil
}

// Sweep flushes every pending batch that reached MaxBatchSize or aged
// past MaxBatchWait. It runs once per BatchInterval.
func (e *batcher) Sweep() {
	e.flushWhere(func(pb *pendingBatch, now time.Time) bool {
		return len(pb.items) >= e.cfg.MaxBatchSize || now.Sub(pb.createdAt) >= e.cfg.MaxBatchWait
	})
}

// FlushAll drains every pending batch regardless of age, used on
// shutdown so accepted payloads are not silently dropped.
func (e *batcher) FlushAll() {
	e.flushWhere(func(*pendingBatch, time.Time) bool { return true })
}

type flushJob struct {
	key      batchKey
	items    []codec.Value
	compress *bool
}

func (e *batcher) flushWhere(due func(*pendingBatch, time.Time) bool) {
	now := e.now()
	var jobs []flushJob

	e.mu.Lock()
	for key, pb := range e.pending {
		if !pb.dirty || !due(pb, now) {
			continue
		}
		jobs = append(jobs, flushJob{key: key, items: pb.items, compress: pb.compress})
		pb.items = nil
		pb.dirty = false
	}
	e.mu.Unlock()

	for _, job := range jobs {
		e.flush(job.key, job.items, job.compress)
	}
}

// flush frames a drained batch. Build failures are reported and the
// batch is dropped; one oversized batch must not wedge the sweep.
func (e *batcher) flush(key batchKey, items []codec.Value, compress *bool) {
	frame, err := e.buildFrame(key.destination, key.event, items, len(items) > 1, compress)
	if err != nil {
		e.report("batch flush", err)
		if e.onDrop != nil {
			e.onDrop(key.destination, key.event, err)
		}
		return
	}
	e.emit(frame)
}

// PendingCount reports how many payloads are waiting across all keys.
func (e *batcher) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	for _, pb := range e.pending {
		if pb.dirty {
			n += len(pb.items)
		}
	}
	return n
}

// run sweeps pending batches until the context is cancelled, then
// flushes the remainder.
func (e *batcher) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.FlushAll()
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

func (e *batcher) buildFrame(destination, event string, items []codec.Value, batch bool, compressHint *bool) (Frame, error) {
	body := codec.NewBuffer()
	if err := body.WriteString(event); err != nil {
		return Frame{}, err
	}

	value := items[0]
	if batch {
		value = codec.SequenceValue(items...)
	}
	if err := codec.EncodeValue(body, value); err != nil {
		return Frame{}, err
	}
	raw := body.Bytes()

	payload := raw
	compressed := false
	if e.attemptCompression(len(raw), batch, compressHint) {
		deflated, err := deflate(raw)
		if err != nil {
			e.report("compression", err)
		} else if len(deflated) < len(raw) {
			// Strictly smaller wins; ties stay uncompressed so the
			// receiver never inflates for nothing.
			payload = deflated
			compressed = true
		}
	}

	if len(payload) > math.MaxUint32 {
		return Frame{}, errspkg.ErrEncodingLimit
	}

	wire := make([]byte, frameHeaderSize+len(payload))
	var marker byte
	if compressed {
		marker |= markerCompressed
	}
	if batch {
		marker |= markerBatch
	}
	wire[0] = marker
	binary.BigEndian.PutUint32(wire[1:frameHeaderSize], uint32(len(payload)))
	copy(wire[frameHeaderSize:], payload)

	return Frame{
		Destination: destination,
		Event:       event,
		Bytes:       wire,
		Items:       len(items),
		Batch:       batch,
		Compressed:  compressed,
	}, nil
}

func (e *batcher) attemptCompression(size int, batch bool, hint *bool) bool {
	if hint != nil {
		return *hint
	}
	if batch && e.cfg.ForceCompressBatches {
		return true
	}
	if !batch && e.cfg.ForceCompressSingle {
		return true
	}
	return size > e.cfg.CompressionThreshold
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(payload []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errspkg.NewDecodeError("corrupt compressed body: %v", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedBody+1))
	if err != nil {
		return nil, errspkg.NewDecodeError("corrupt compressed body: %v", err)
	}
	if len(out) > maxInflatedBody {
		return nil, errspkg.NewDecodeError("decompressed body exceeds %d bytes", maxInflatedBody)
	}
	return out, nil
}

// DecodeFrame parses one wire frame into its event name and payload
// elements. Batch frames yield every element; single frames yield one.
// Every malformation fails with a DecodeError.
func DecodeFrame(frame []byte) (event string, items []codec.Value, batch bool, err error) {
	if len(frame) < frameHeaderSize {
		return "", nil, false, errspkg.NewDecodeError("frame shorter than %d-byte header", frameHeaderSize)
	}

	marker := frame[0]
	if marker&^(markerCompressed|markerBatch) != 0 {
		return "", nil, false, errspkg.NewDecodeError("unknown marker bits 0x%02x", marker)
	}
	compressed := marker&markerCompressed != 0
	batch = marker&markerBatch != 0

	bodyLen := binary.BigEndian.Uint32(frame[1:frameHeaderSize])
	if uint64(bodyLen) != uint64(len(frame)-frameHeaderSize) {
		return "", nil, false, errspkg.NewDecodeError("body length %d does not match %d frame bytes", bodyLen, len(frame)-frameHeaderSize)
	}

	payload := frame[frameHeaderSize:]
	if compressed {
		payload, err = inflate(payload)
		if err != nil {
			return "", nil, false, err
		}
	}

	buf := codec.FromBytes(payload)
	event, err = buf.ReadString()
	if err != nil {
		return "", nil, false, errspkg.NewDecodeError("missing event name")
	}

	value, err := codec.DecodeValue(buf)
	if err != nil {
		return "", nil, false, err
	}
	if buf.Remaining() != 0 {
		return "", nil, false, errspkg.NewDecodeError("%d trailing bytes after payload", buf.Remaining())
	}

	if batch {
		if value.Kind() != codec.KindSequence {
			return "", nil, false, errspkg.NewDecodeError("batch frame carries %s payload, want sequence", value.Kind())
		}
		return event, value.Sequence(), true, nil
	}
	return event, []codec.Value{value}, false, nil
}
