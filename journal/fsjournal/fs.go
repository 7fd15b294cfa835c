package fsjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/build"
	"github.com/latticeproject/lattice/journal"
)

var log = logging.Logger("fsjournal")

const RFC3339nocolon = "2006-01-02T150405Z0700"

const currentFile = "lattice-journal.ndjson"

// fsJournal is a basic journal backed by files on a filesystem.
type fsJournal struct {
	journal.EventTypeRegistry

	dir       string
	sizeLimit int64
	keep      int

	fi    *os.File
	fSize int64

	incoming chan *journal.Event

	closing chan struct{}
	closed  chan struct{}
}

// OpenFSJournal constructs a rolling filesystem journal under dir/journal.
// The per-file size limit and the number of files kept around are taken from
// the LATTICE_JOURNAL_MAX_SIZE and LATTICE_JOURNAL_MAX_BACKUPS environment
// variables, defaulting to 1GiB and 3.
func OpenFSJournal(dir string, disabled journal.DisabledEvents) (journal.Journal, error) {
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, xerrors.Errorf("failed to expand journal path: %w", err)
	}

	dir = filepath.Join(dir, "journal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to mk directory %s for file journal: %w", dir, err)
	}

	f := &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(disabled),
		dir:               dir,
		sizeLimit:         journal.EnvMaxSize,
		keep:              int(journal.EnvMaxBackups),
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}

	go f.runLoop()

	return f, nil
}

func (f *fsJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	je := &journal.Event{
		EventType: evtType,
		Timestamp: build.Clock.Now(),
		Data:      supplier(),
	}
	select {
	case f.incoming <- je:
	case <-f.closing:
		log.Warnw("journal closed but tried to log event", "event", je)
	}
}

func (f *fsJournal) Close() error {
	close(f.closing)
	<-f.closed
	return nil
}

func (f *fsJournal) putEvent(evt *journal.Event) error {
	if f.fi == nil {
		if err := f.rollJournalFile(); err != nil {
			return err
		}
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	n, err := f.fi.Write(append(b, '\n'))
	if err != nil {
		return err
	}

	f.fSize += int64(n)

	if f.fSize >= f.sizeLimit {
		_ = f.rollJournalFile()
	}

	return nil
}

func (f *fsJournal) rollJournalFile() error {
	if f.fi != nil {
		_ = f.fi.Close()
	}

	current := filepath.Join(f.dir, currentFile)
	rolled := filepath.Join(f.dir, fmt.Sprintf(
		"lattice-journal-%s.ndjson",
		build.Clock.Now().Format(RFC3339nocolon),
	))

	// check if journal file exists
	if fi, err := os.Stat(current); err == nil && !fi.IsDir() {
		if err := os.Rename(current, rolled); err != nil {
			return xerrors.Errorf("failed to roll journal file: %w", err)
		}
	}

	nfi, err := os.Create(current)
	if err != nil {
		return xerrors.Errorf("failed to create journal file: %w", err)
	}

	f.fi = nfi
	f.fSize = 0

	f.pruneOldFiles()

	return nil
}

// pruneOldFiles removes the oldest rolled journal files so that at most keep
// files (rolled plus current) remain in the journal directory.
func (f *fsJournal) pruneOldFiles() {
	if f.keep <= 0 {
		return
	}

	ents, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warnw("failed to read journal directory for pruning", "dir", f.dir, "err", err)
		return
	}

	var rolled []string
	for _, ent := range ents {
		name := ent.Name()
		if name == currentFile || ent.IsDir() {
			continue
		}
		if strings.HasPrefix(name, "lattice-journal-") && strings.HasSuffix(name, ".ndjson") {
			rolled = append(rolled, name)
		}
	}

	// the timestamped names sort oldest-first
	sort.Strings(rolled)

	for len(rolled) > f.keep-1 {
		if err := os.Remove(filepath.Join(f.dir, rolled[0])); err != nil {
			log.Warnw("failed to prune journal file", "file", rolled[0], "err", err)
			return
		}
		rolled = rolled[1:]
	}
}

func (f *fsJournal) runLoop() {
	defer close(f.closed)

	for {
		select {
		case je := <-f.incoming:
			if err := f.putEvent(je); err != nil {
				log.Errorw("failed to write out journal event", "event", je, "err", err)
			}
		case <-f.closing:
			if f.fi != nil {
				_ = f.fi.Close()
			}
			return
		}
	}
}
