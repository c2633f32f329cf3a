package registry

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/goqueue/pkg/record"
)

// DefaultMaxLineBytes bounds a single log line. It must exceed the result
// guard's hard ceiling plus record envelope overhead.
const DefaultMaxLineBytes = 64 << 20

// scanResult is the outcome of one pass over the registry log.
type scanResult struct {
	// index holds the latest non-deleted record per job id (last line wins).
	index map[string]*record.JobRecord

	// tombstones holds the latest tombstone per deleted job id.
	tombstones map[string]*record.JobRecord

	// validBytes is the offset just past the last intact line. A torn
	// trailing line is not included.
	validBytes int64

	// torn reports that the log ends with a malformed partial line,
	// the signature of a crash during append.
	torn bool
}

// scanLog decodes the registry log line by line.
//
// A malformed trailing line is tolerated (reported via torn) because it
// models a write interrupted by a crash. A malformed line in the interior
// of the log is surfaced as a *CorruptLogError. A well-formed but
// semantically invalid line is skipped with a warning; it invalidates only
// that record.
func scanLog(path string, logger *zap.Logger) (*scanResult, error) {
	res := &scanResult{
		index:      make(map[string]*record.JobRecord),
		tombstones: make(map[string]*record.JobRecord),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, &StorageError{Op: "open log", Err: err}
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64<<10)
	var offset int64
	var tornAt int64 = -1

	for {
		line, err := readLineLimited(r, DefaultMaxLineBytes)
		if len(line) == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, &StorageError{Op: "read log", Err: err}
		}

		lineStart := offset
		offset += int64(len(line))

		if tornAt >= 0 {
			// Content after a malformed line: corruption is interior,
			// not a torn tail.
			return nil, &CorruptLogError{Path: path, Offset: tornAt, Err: errors.New("malformed line before end of log")}
		}

		if len(bytes.TrimSpace(line)) == 0 {
			res.validBytes = offset
			continue
		}

		rec, decErr := record.Decode(line)
		if decErr != nil {
			var de *record.DecodeError
			if errors.As(decErr, &de) && de.Kind == record.KindInvalid {
				logger.Warn("skipping invalid registry record",
					zap.String("path", path),
					zap.Int64("offset", lineStart),
					zap.Error(de))
				res.validBytes = offset
				continue
			}
			tornAt = lineStart
			continue
		}

		res.validBytes = offset
		if rec.Deleted {
			res.tombstones[rec.JobID] = rec
			delete(res.index, rec.JobID)
		} else {
			res.index[rec.JobID] = rec
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	res.torn = tornAt >= 0
	return res, nil
}

// readLineLimited reads one newline-terminated line, including the
// delimiter. The final line of a file may omit the delimiter.
func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxBytes {
			return line, errors.New("registry line exceeds maximum length")
		}
		if err == nil || errors.Is(err, io.EOF) {
			return line, err
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}
