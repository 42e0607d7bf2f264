package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrChannelNotReady = errors.New("channel not ready")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrTransferAborted = errors.New("transfer aborted")
	ErrSizeMismatch    = errors.New("size mismatch")
)

// Channel is the open data channel an engine writes to.
type Channel interface {
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
}

type FileMetadata struct {
	TransferID string
	Name       string
	Type       string
	Size       int64
}

// FileSink receives reassembled files.
type FileSink interface {
	OnFileReceived(peerID string, meta FileMetadata, data []byte)
}

// File is an outbound file. Size must be the number of bytes Reader yields.
type File struct {
	Name   string
	Type   string
	Size   int64
	Reader io.Reader
}

type Config struct {
	ChunkSize         int
	MaxBufferedAmount uint64
	PollInterval      time.Duration
	// EnforceSize fails a transfer whose reassembled length differs from
	// the size announced in file-meta.
	EnforceSize bool
	// OnProgress is called outside the engine lock after every change.
	OnProgress func(Snapshot)
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:         protocol.ChunkSize,
		MaxBufferedAmount: 1 << 20,
		PollInterval:      100 * time.Millisecond,
		EnforceSize:       true,
	}
}

var transferSeq atomic.Uint64

// Engine runs the file protocol over one open channel. Handle* methods are
// called from the channel's reader; SendFile may be called concurrently.
type Engine struct {
	peerID string
	ch     Channel
	sink   FileSink
	cfg    Config
	codec  *protocol.Codec
	log    *logrus.Entry

	mu       sync.Mutex
	incoming map[string]*session
	outgoing map[string]*session
	aborted  error
	done     chan struct{}
}

func NewEngine(peerID string, ch Channel, sink FileSink, cfg Config, log *logrus.Entry) *Engine {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxBufferedAmount == 0 {
		cfg.MaxBufferedAmount = def.MaxBufferedAmount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if log == nil {
		log = logrus.NewEntry(logger.NewLogger())
	}

	return &Engine{
		peerID:   peerID,
		ch:       ch,
		sink:     sink,
		cfg:      cfg,
		codec:    protocol.NewCodec(),
		log:      log.WithField("peer", peerID),
		incoming: make(map[string]*session),
		outgoing: make(map[string]*session),
		done:     make(chan struct{}),
	}
}

// SendFile streams f to the peer and returns the final state of the
// outgoing session.
func (e *Engine) SendFile(ctx context.Context, f File) (Snapshot, error) {
	if f.Reader == nil {
		return Snapshot{}, errors.New("file has no reader")
	}

	e.mu.Lock()
	if e.aborted != nil {
		e.mu.Unlock()
		return Snapshot{}, ErrChannelNotReady
	}
	s := &session{
		id:        NewTransferID(time.Now(), transferSeq.Add(1), f.Name),
		name:      f.Name,
		fileType:  f.Type,
		direction: Outgoing,
		size:      f.Size,
		status:    StatusPending,
	}
	e.outgoing[s.id] = s
	snap := s.snapshot(e.peerID)
	e.mu.Unlock()
	e.emit(snap)

	log := e.log.WithFields(logrus.Fields{"transfer": s.id, "size": f.Size})
	log.Debug("Sending file")

	err := e.stream(ctx, s, f.Reader)

	e.mu.Lock()
	if err != nil {
		s.fail(err)
	} else {
		s.status = StatusCompleted
		s.progress = 100
	}
	delete(e.outgoing, s.id)
	snap = s.snapshot(e.peerID)
	e.mu.Unlock()
	e.emit(snap)

	if err != nil {
		log.Warnf("File send failed: %v", err)
		return snap, fmt.Errorf("send %s: %w", f.Name, err)
	}
	log.Info("File sent")
	return snap, nil
}

func (e *Engine) stream(ctx context.Context, s *session, r io.Reader) error {
	meta, err := e.codec.EncodeToBytes(&protocol.FileMeta{
		TransferID: s.id,
		FileName:   s.name,
		FileSize:   s.size,
		FileType:   s.fileType,
	})
	if err != nil {
		return err
	}
	if err := e.ch.SendText(string(meta)); err != nil {
		return fmt.Errorf("send meta: %w", err)
	}
	e.update(s, func() { s.status = StatusTransferring })

	buf := make([]byte, e.cfg.ChunkSize)
	var sent int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if sent+int64(n) > s.size {
				return fmt.Errorf("%w: file grew past %d bytes", ErrSizeMismatch, s.size)
			}
			if err := e.waitBuffered(ctx, e.cfg.MaxBufferedAmount); err != nil {
				return err
			}
			if err := e.ch.Send(protocol.EncodeFrame(s.id, buf[:n])); err != nil {
				return fmt.Errorf("send chunk: %w", err)
			}
			sent += int64(n)
			e.update(s, func() { _ = s.advance(int64(n)) })
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read file: %w", rerr)
		}
	}

	if sent != s.size {
		return fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, sent, s.size)
	}

	complete, err := e.codec.EncodeToBytes(&protocol.FileComplete{
		TransferID: s.id,
		FileName:   s.name,
		FileSize:   s.size,
	})
	if err != nil {
		return err
	}
	if err := e.ch.SendText(string(complete)); err != nil {
		return fmt.Errorf("send complete: %w", err)
	}
	// The transfer only counts as sent once the channel has drained.
	return e.waitBuffered(ctx, 0)
}

// Flush waits until the channel has nothing queued.
func (e *Engine) Flush(ctx context.Context) error {
	return e.waitBuffered(ctx, 0)
}

// waitBuffered blocks while the channel has more than limit bytes queued,
// re-checking every PollInterval.
func (e *Engine) waitBuffered(ctx context.Context, limit uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrTransferAborted
		default:
		}

		if e.ch.BufferedAmount() <= limit {
			return nil
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.done:
			timer.Stop()
			return ErrTransferAborted
		case <-timer.C:
		}
	}
}

// HandleMeta opens an incoming session.
func (e *Engine) HandleMeta(m *protocol.FileMeta) error {
	if m.TransferID == "" || m.FileSize < 0 {
		e.log.Warnf("Invalid file-meta dropped: id=%q size=%d", m.TransferID, m.FileSize)
		return fmt.Errorf("%w: invalid file-meta", protocol.ErrMalformedEnvelope)
	}

	e.mu.Lock()
	if e.aborted != nil {
		e.mu.Unlock()
		return ErrTransferAborted
	}
	if _, ok := e.incoming[m.TransferID]; ok {
		e.log.WithField("transfer", m.TransferID).Warn("Duplicate file-meta, restarting transfer")
	}
	s := &session{
		id:        m.TransferID,
		name:      m.FileName,
		fileType:  m.FileType,
		direction: Incoming,
		size:      m.FileSize,
		status:    StatusTransferring,
	}
	e.incoming[s.id] = s
	snap := s.snapshot(e.peerID)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"transfer": s.id, "size": s.size}).Infof("Receiving %s", s.name)
	e.emit(snap)
	return nil
}

// HandleFrame appends one binary frame to its session.
func (e *Engine) HandleFrame(frame []byte) error {
	id, chunk, err := protocol.DecodeFrame(frame)
	if err != nil {
		e.log.Warnf("Dropping frame: %v", err)
		return err
	}

	e.mu.Lock()
	s, ok := e.incoming[id]
	if !ok {
		e.mu.Unlock()
		e.log.WithField("transfer", id).Warn("Chunk for unknown transfer dropped")
		return ErrUnknownTransfer
	}
	if s.status == StatusError {
		e.mu.Unlock()
		return s.err
	}

	if err := s.advance(int64(len(chunk))); err != nil {
		s.fail(err)
		snap := s.snapshot(e.peerID)
		e.mu.Unlock()
		e.log.WithField("transfer", id).Warnf("Transfer failed: %v", err)
		e.emit(snap)
		return err
	}
	s.chunks = append(s.chunks, bytes.Clone(chunk))
	snap := s.snapshot(e.peerID)
	e.mu.Unlock()

	e.emit(snap)
	return nil
}

// HandleComplete reassembles a session and hands the bytes to the sink.
func (e *Engine) HandleComplete(m *protocol.FileComplete) error {
	log := e.log.WithField("transfer", m.TransferID)

	e.mu.Lock()
	s, ok := e.incoming[m.TransferID]
	if !ok {
		e.mu.Unlock()
		log.Warn("Completion for unknown transfer dropped")
		return ErrUnknownTransfer
	}
	delete(e.incoming, m.TransferID)
	if s.status == StatusError {
		e.mu.Unlock()
		return s.err
	}

	data := bytes.Join(s.chunks, nil)
	if int64(len(data)) != s.size {
		mismatch := fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, len(data), s.size)
		if e.cfg.EnforceSize {
			s.fail(mismatch)
			snap := s.snapshot(e.peerID)
			e.mu.Unlock()
			log.Warnf("Transfer failed: %v", mismatch)
			e.emit(snap)
			return mismatch
		}
		log.Warnf("Accepting transfer despite %v", mismatch)
	}
	s.status = StatusCompleted
	s.progress = 100
	s.chunks = nil
	snap := s.snapshot(e.peerID)
	e.mu.Unlock()

	log.Infof("Received %s (%s)", s.name, FormatFileSize(int64(len(data))))
	e.emit(snap)

	if e.sink != nil {
		e.sink.OnFileReceived(e.peerID, FileMetadata{
			TransferID: s.id,
			Name:       s.name,
			Type:       InferContentType(s.name, s.fileType, data),
			Size:       int64(len(data)),
		}, data)
	}
	return nil
}

// Abort abandons every session. Received chunks are discarded and running
// senders return ErrTransferAborted. Later calls are no-ops.
func (e *Engine) Abort(cause error) {
	if cause == nil {
		cause = ErrTransferAborted
	}

	e.mu.Lock()
	if e.aborted != nil {
		e.mu.Unlock()
		return
	}
	e.aborted = cause
	close(e.done)

	snaps := make([]Snapshot, 0, len(e.incoming))
	for id, s := range e.incoming {
		if s.status != StatusError {
			s.fail(fmt.Errorf("%w: %v", ErrTransferAborted, cause))
			snaps = append(snaps, s.snapshot(e.peerID))
		}
		delete(e.incoming, id)
	}
	e.mu.Unlock()

	if len(snaps) > 0 {
		e.log.Warnf("Abandoned %d incoming transfer(s): %v", len(snaps), cause)
	}
	for _, snap := range snaps {
		e.emit(snap)
	}
}

// Sessions returns the active sessions ordered by transfer id.
func (e *Engine) Sessions() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.incoming)+len(e.outgoing))
	for _, s := range e.incoming {
		out = append(out, s.snapshot(e.peerID))
	}
	for _, s := range e.outgoing {
		out = append(out, s.snapshot(e.peerID))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

func (e *Engine) update(s *session, fn func()) {
	e.mu.Lock()
	fn()
	snap := s.snapshot(e.peerID)
	e.mu.Unlock()
	e.emit(snap)
}

func (e *Engine) emit(snap Snapshot) {
	if e.cfg.OnProgress != nil {
		e.cfg.OnProgress(snap)
	}
}
