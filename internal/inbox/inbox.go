// Package inbox is the command line message sink: it prints chat messages,
// saves received files and keeps the transfer ledger.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/schema"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/sirupsen/logrus"
)

const fallbackName = "download"

type Options struct {
	DownloadDir string
	// Transfers is optional; without it nothing is recorded.
	Transfers store.TransferRepository
	Out       io.Writer
	// Names maps a peer id to a display name.
	Names  func(peerID string) string
	Logger *logrus.Logger
}

type Inbox struct {
	dir       string
	transfers store.TransferRepository
	names     func(string) string
	log       *logrus.Entry

	// mu serializes output lines and file creation.
	mu  sync.Mutex
	out io.Writer
}

func New(opts Options) (*Inbox, error) {
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	if err := os.MkdirAll(opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Names == nil {
		opts.Names = func(id string) string { return id }
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	return &Inbox{
		dir:       opts.DownloadDir,
		transfers: opts.Transfers,
		names:     opts.Names,
		log:       opts.Logger.WithField("component", "inbox"),
		out:       opts.Out,
	}, nil
}

func (i *Inbox) OnTextMessage(peerID string, msg *protocol.TextMessage) {
	at := time.UnixMilli(msg.Timestamp)
	if msg.Timestamp == 0 {
		at = time.Now()
	}
	i.printf("[%s] %s: %s\n", at.Format(time.TimeOnly), i.names(peerID), msg.Content)
}

func (i *Inbox) OnFileReceived(peerID string, meta transfer.FileMetadata, data []byte) {
	log := i.log.WithFields(logrus.Fields{"peer": peerID, "transfer": meta.TransferID})

	rec := schema.Transfer{
		TransferID: meta.TransferID,
		PeerID:     peerID,
		Direction:  transfer.Incoming.String(),
		FileName:   meta.Name,
		FileType:   meta.Type,
		FileSize:   meta.Size,
		Received:   int64(len(data)),
		Status:     transfer.StatusCompleted.String(),
	}

	path, err := i.save(meta.Name, data)
	if err != nil {
		log.Errorf("Failed to save %s: %v", meta.Name, err)
		rec.Status = transfer.StatusError.String()
		rec.Error = err.Error()
	} else {
		rec.Path = path
		i.printf("Received %s (%s, %s) from %s -> %s\n",
			meta.Name, transfer.FormatFileSize(int64(len(data))), meta.Type, i.names(peerID), path)
	}
	i.record(rec)
}

// OnProgress records failed transfers and finished uploads. Finished
// downloads are recorded by OnFileReceived together with their path.
func (i *Inbox) OnProgress(snap transfer.Snapshot) {
	switch {
	case snap.Status == transfer.StatusError:
	case snap.Status == transfer.StatusCompleted && snap.Direction == transfer.Outgoing:
	default:
		return
	}
	i.record(schema.Transfer{
		TransferID: snap.TransferID,
		PeerID:     snap.PeerID,
		Direction:  snap.Direction.String(),
		FileName:   snap.FileName,
		FileType:   snap.FileType,
		FileSize:   snap.FileSize,
		Received:   snap.ReceivedSize,
		Status:     snap.Status.String(),
		Error:      snap.Error,
	})
}

func (i *Inbox) record(rec schema.Transfer) {
	if i.transfers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.transfers.Record(ctx, rec); err != nil {
		i.log.Warnf("Failed to record transfer %s: %v", rec.TransferID, err)
	}
}

// save writes data under a sanitized name, adding " (n)" before the
// extension when the name is taken.
func (i *Inbox) save(name string, data []byte) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	base := SanitizeName(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := 0; n < 1000; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(i.dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free name for %s", base)
}

// SanitizeName reduces a remote supplied file name to a single safe path
// element.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == ':' {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallbackName
	}
	return name
}

func (i *Inbox) printf(format string, args ...any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fmt.Fprintf(i.out, format, args...)
}
