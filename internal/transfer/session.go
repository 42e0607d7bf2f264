package transfer

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
)

type Status int

const (
	StatusPending Status = iota
	StatusTransferring
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTransferring:
		return "transferring"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Snapshot is a point-in-time copy of a session, safe to hand to other
// goroutines.
type Snapshot struct {
	TransferID   string
	PeerID       string
	FileName     string
	FileType     string
	Direction    Direction
	FileSize     int64
	ReceivedSize int64
	Progress     int
	Status       Status
	Error        string
}

// session tracks one transfer in one direction. Chunks are only kept on the
// receiving side.
type session struct {
	id        string
	name      string
	fileType  string
	direction Direction
	size      int64
	received  int64
	progress  int
	status    Status
	err       error
	chunks    [][]byte
}

func (s *session) advance(n int64) error {
	if s.received+n > s.size {
		return fmt.Errorf("%w: %d bytes exceed declared size %d", ErrSizeMismatch, s.received+n, s.size)
	}
	s.received += n
	s.progress = Progress(s.received, s.size)
	return nil
}

func (s *session) fail(err error) {
	s.status = StatusError
	s.err = err
	s.chunks = nil
}

func (s *session) snapshot(peerID string) Snapshot {
	snap := Snapshot{
		TransferID:   s.id,
		PeerID:       peerID,
		FileName:     s.name,
		FileType:     s.fileType,
		Direction:    s.direction,
		FileSize:     s.size,
		ReceivedSize: s.received,
		Progress:     s.progress,
		Status:       s.status,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Progress returns floor(received*100/total) clamped to [0,100].
func Progress(received, total int64) int {
	if total <= 0 || received <= 0 {
		return 0
	}
	if received >= total {
		return 100
	}
	return int(received * 100 / total)
}

func CalculateTotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// NewTransferID builds "<unix-millis>-<seq>-<name>" cut to the conventional
// 36-byte limit without splitting a rune.
func NewTransferID(now time.Time, seq uint64, name string) string {
	id := fmt.Sprintf("%d-%d-%s", now.UnixMilli(), seq, name)
	if len(id) <= protocol.MaxTransferIDLen {
		return id
	}
	cut := protocol.MaxTransferIDLen
	for cut > 0 && !utf8.RuneStart(id[cut]) {
		cut--
	}
	return id[:cut]
}
