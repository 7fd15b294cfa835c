package fsjournal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticeproject/lattice/journal"
)

func newtestfsjournal(t *testing.T, dir string, sizeLimit int64, keep int) *fsJournal {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "journal"), 0755))
	return &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(nil),
		dir:               filepath.Join(dir, "journal"),
		sizeLimit:         sizeLimit,
		keep:              keep,
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}
}

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)

	j := newtestfsjournal(t, t.TempDir(), 0, 3)
	for i := 0; i <= j.keep; i++ {
		time.Sleep(time.Second)
		files, _ := os.ReadDir(j.dir)
		req.Lenf(files, i, "add one file for every roll before max keep")
		req.NoError(j.rollJournalFile())
	}
	// on the last iteration, one of the files should have been pruned,
	// so we should still have only the maximum kept files.
	time.Sleep(time.Second)
	files, _ := os.ReadDir(j.dir)
	req.Lenf(files, j.keep, "files are not being pruned from the journal directory")
}

func TestJournalWritesEvents(t *testing.T) {
	req := require.New(t)

	dir := t.TempDir()
	jrnl, err := OpenFSJournal(dir, nil)
	req.NoError(err)

	et := jrnl.RegisterEventType("engine", "record_submitted")
	req.True(et.Enabled())

	jrnl.RecordEvent(et, func() interface{} {
		return map[string]interface{}{"record": 12, "kind": "singlepoint"}
	})
	req.NoError(jrnl.Close())

	b, err := os.ReadFile(filepath.Join(dir, "journal", currentFile))
	req.NoError(err)

	var evt struct {
		System string
		Event  string
		Data   map[string]interface{}
	}
	req.NoError(json.Unmarshal(b, &evt))
	req.Equal("engine", evt.System)
	req.Equal("record_submitted", evt.Event)
	req.EqualValues(12, evt.Data["record"])
}

func TestDisabledEventsAreNotWritten(t *testing.T) {
	req := require.New(t)

	disabled, err := journal.ParseDisabledEvents("engine:tasks_claimed")
	req.NoError(err)

	dir := t.TempDir()
	jrnl, err := OpenFSJournal(dir, disabled)
	req.NoError(err)

	et := jrnl.RegisterEventType("engine", "tasks_claimed")
	req.False(et.Enabled())

	jrnl.RecordEvent(et, func() interface{} {
		t.Fatal("supplier invoked for a disabled event")
		return nil
	})
	req.NoError(jrnl.Close())

	// the journal file is created lazily, so nothing should exist
	files, err := os.ReadDir(filepath.Join(dir, "journal"))
	req.NoError(err)
	req.Empty(files)
}
