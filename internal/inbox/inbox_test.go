package inbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/db"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
	"github.com/rudransh-shrivastava/lanchat/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInbox(t *testing.T) (*Inbox, *store.TransferStore, *bytes.Buffer, string) {
	t.Helper()
	gormDB, err := db.Open(filepath.Join(t.TempDir(), "inbox.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gormDB) })

	transfers := store.NewTransferStore(gormDB)
	dir := filepath.Join(t.TempDir(), "downloads")
	out := &bytes.Buffer{}
	ib, err := New(Options{
		DownloadDir: dir,
		Transfers:   transfers,
		Out:         out,
		Names: func(id string) string {
			if id == "peer-1" {
				return "alice"
			}
			return id
		},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	return ib, transfers, out, dir
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":         "report.pdf",
		"../../etc/passwd":   "passwd",
		`..\..\boot.ini`:     "boot.ini",
		"":                   fallbackName,
		"..":                 fallbackName,
		"/":                  fallbackName,
		"a\x00b.txt":         "a_b.txt",
		"C:evil.txt":         "C_evil.txt",
		"  spaced name.txt ": "spaced name.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestOnTextMessage(t *testing.T) {
	ib, _, out, _ := newTestInbox(t)

	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local)
	ib.OnTextMessage("peer-1", &protocol.TextMessage{ID: "m1", Timestamp: ts.UnixMilli(), Content: "hi there"})

	assert.Equal(t, "[15:04:05] alice: hi there\n", out.String())
}

func TestOnFileReceived(t *testing.T) {
	ib, transfers, out, dir := newTestInbox(t)
	data := []byte("hello file")

	ib.OnFileReceived("peer-1", transfer.FileMetadata{
		TransferID: "t1",
		Name:       "../notes.txt",
		Type:       "text/plain",
		Size:       int64(len(data)),
	}, data)

	saved, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, saved)
	assert.Contains(t, out.String(), "Received ../notes.txt")

	list, err := transfers.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].TransferID)
	assert.Equal(t, "incoming", list[0].Direction)
	assert.Equal(t, "completed", list[0].Status)
	assert.Equal(t, filepath.Join(dir, "notes.txt"), list[0].Path)
	assert.Equal(t, int64(len(data)), list[0].Received)
}

func TestOnFileReceivedCollision(t *testing.T) {
	ib, _, _, dir := newTestInbox(t)

	for i, content := range []string{"one", "two", "three"} {
		ib.OnFileReceived("peer-1", transfer.FileMetadata{
			TransferID: string(rune('a' + i)),
			Name:       "demo.txt",
			Size:       int64(len(content)),
		}, []byte(content))
	}

	for name, want := range map[string]string{
		"demo.txt":     "one",
		"demo (1).txt": "two",
		"demo (2).txt": "three",
	} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got))
	}
}

func TestOnProgressRecordsOutcomes(t *testing.T) {
	ib, transfers, _, _ := newTestInbox(t)

	ib.OnProgress(transfer.Snapshot{
		TransferID: "up", PeerID: "peer-2", FileName: "a.bin", Direction: transfer.Outgoing,
		FileSize: 10, ReceivedSize: 5, Progress: 50, Status: transfer.StatusTransferring,
	})
	ib.OnProgress(transfer.Snapshot{
		TransferID: "up", PeerID: "peer-2", FileName: "a.bin", Direction: transfer.Outgoing,
		FileSize: 10, ReceivedSize: 10, Progress: 100, Status: transfer.StatusCompleted,
	})
	ib.OnProgress(transfer.Snapshot{
		TransferID: "down", PeerID: "peer-2", FileName: "b.bin", Direction: transfer.Incoming,
		FileSize: 10, ReceivedSize: 10, Progress: 100, Status: transfer.StatusCompleted,
	})
	ib.OnProgress(transfer.Snapshot{
		TransferID: "bad", PeerID: "peer-2", FileName: "c.bin", Direction: transfer.Incoming,
		FileSize: 10, ReceivedSize: 3, Progress: 30, Status: transfer.StatusError, Error: "transfer aborted",
	})

	list, err := transfers.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]string{}
	for _, tr := range list {
		byID[tr.TransferID] = tr.Status
		if tr.TransferID == "bad" {
			assert.Equal(t, "transfer aborted", tr.Error)
		}
	}
	assert.Equal(t, map[string]string{"up": "completed", "bad": "error"}, byID)
}

func TestWithoutLedger(t *testing.T) {
	ib, err := New(Options{DownloadDir: t.TempDir(), Out: &bytes.Buffer{}, Logger: logger.Discard()})
	require.NoError(t, err)

	ib.OnFileReceived("peer-9", transfer.FileMetadata{TransferID: "x", Name: "x.txt", Size: 1}, []byte("x"))
	ib.OnProgress(transfer.Snapshot{TransferID: "x", Status: transfer.StatusError})
}
