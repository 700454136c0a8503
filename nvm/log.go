package nvm

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// recordTagRootSwing tags a root-log record the way lsm-store/encoder.OpKind
// tags a memtable record's kind byte -- a single leading byte disambiguating
// the payload that follows, sized for future record kinds even though only
// one exists today.
const recordTagRootSwing byte = 1

const rootLogRecordSize = 1 + 8 + 8

// RootLogEntry is one recorded root replacement: the tree's root cell
// moved from OldRoot to NewRoot.
type RootLogEntry struct {
	OldRoot uint64
	NewRoot uint64
}

// RootLog appends root-swing records to durable storage so a process
// restart can recover the last-installed root offset without depending on
// full node-level crash recovery, which is explicitly out of scope (§1
// Non-goals: "durability protocol details beyond flush a range of bytes").
// Grounded on lsm-store/wal's writer: a small fixed-format record appended
// directly, without lsm-store's multi-block chunking since a root-swing
// record is always far smaller than one block.
type RootLog struct {
	w io.Writer
}

func NewRootLog(w io.Writer) *RootLog { return &RootLog{w: w} }

func (l *RootLog) Append(oldRoot, newRoot uint64) error {
	var buf [rootLogRecordSize]byte
	buf[0] = recordTagRootSwing
	binary.LittleEndian.PutUint64(buf[1:9], oldRoot)
	binary.LittleEndian.PutUint64(buf[9:17], newRoot)
	_, err := l.w.Write(buf[:])
	return errors.Wrap(err, "nvm: append root log record")
}

// RootLogReader replays a RootLog, grounded on lsm-store/wal's reader:
// sequential fixed-size record reads, treating a short final record as an
// unsealed tail rather than a corruption.
type RootLogReader struct {
	r io.Reader
}

func NewRootLogReader(r io.Reader) *RootLogReader { return &RootLogReader{r: r} }

// Replay scans every record and returns the last one, i.e. the most
// recently installed root. found is false for an empty (or entirely
// unsealed) log.
func (r *RootLogReader) Replay() (last RootLogEntry, found bool, err error) {
	buf := make([]byte, rootLogRecordSize)
	for {
		if _, readErr := io.ReadFull(r.r, buf); readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				return last, found, nil
			}
			return last, found, errors.Wrap(readErr, "nvm: replay root log")
		}
		if buf[0] != recordTagRootSwing {
			return last, found, errors.New("nvm: corrupt root log record tag")
		}
		last = RootLogEntry{
			OldRoot: binary.LittleEndian.Uint64(buf[1:9]),
			NewRoot: binary.LittleEndian.Uint64(buf[9:17]),
		}
		found = true
	}
}
