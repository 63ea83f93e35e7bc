package recordset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arkilian/recordstore/internal/cstable"
	rserrors "github.com/arkilian/recordstore/internal/errors"
)

const (
	commitlogSuffix = ".log"
	datafileSuffix  = ".cst"
)

// Datafile is one compacted columnar file. Offset is the position of its
// first record in the logical record sequence of the set.
type Datafile struct {
	Path       string `json:"path"`
	NumRecords uint64 `json:"num_records"`
	Offset     uint64 `json:"offset"`
	Checksum   uint64 `json:"checksum"`
}

// State is the persisted description of a record set. It is a plain value;
// a RecordSet reopened from it and the files it names resumes where the
// previous instance stopped.
type State struct {
	// Commitlog is the active segment, nil until the first write after a roll
	Commitlog *string `json:"commitlog,omitempty"`
	// CommitlogSize is the active segment size in bytes
	CommitlogSize uint64     `json:"commitlog_size"`
	OldCommitlogs []string   `json:"old_commitlogs"`
	Datafiles     []Datafile `json:"datafiles"`
	// Generation is the last generation number handed out to a rolled
	// segment or datafile
	Generation uint64 `json:"generation"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := State{
		CommitlogSize: s.CommitlogSize,
		Generation:    s.Generation,
	}
	if s.Commitlog != nil {
		p := *s.Commitlog
		c.Commitlog = &p
	}
	if s.OldCommitlogs != nil {
		c.OldCommitlogs = append([]string(nil), s.OldCommitlogs...)
	}
	if s.Datafiles != nil {
		c.Datafiles = append([]Datafile(nil), s.Datafiles...)
	}
	return c
}

// NumRecords returns the number of compacted records.
func (s State) NumRecords() uint64 {
	var n uint64
	for _, df := range s.Datafiles {
		n += df.NumRecords
	}
	return n
}

// MarshalState encodes s as JSON.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a state produced by MarshalState.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, rserrors.CorruptFile("", "invalid record set state: %v", err)
	}
	return s, nil
}

// ActiveCommitlogPath returns the path of the active segment for prefix.
func ActiveCommitlogPath(prefix string) string {
	return prefix + commitlogSuffix
}

// RolledCommitlogPath returns the path of the segment rolled at generation gen.
func RolledCommitlogPath(prefix string, gen uint64) string {
	return fmt.Sprintf("%s.%016x%s", prefix, gen, commitlogSuffix)
}

// DatafilePath returns the path of the datafile written at generation gen.
func DatafilePath(prefix string, gen uint64) string {
	return fmt.Sprintf("%s.%016x%s", prefix, gen, datafileSuffix)
}

// parseGeneration extracts the generation from a file name of the form
// <base>.<16 hex digits><suffix>.
func parseGeneration(name, base, suffix string) (uint64, bool) {
	if !strings.HasPrefix(name, base+".") || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	mid := name[len(base)+1 : len(name)-len(suffix)]
	if len(mid) != 16 {
		return 0, false
	}
	gen, err := strconv.ParseUint(mid, 16, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// discoverState rebuilds a state for prefix from a directory listing.
// Temporary files left by an interrupted write are removed.
func discoverState(prefix string) (State, error) {
	dir, base := filepath.Dir(prefix), filepath.Base(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, rserrors.IO("failed to list "+dir, err)
	}

	type genPath struct {
		gen  uint64
		path string
	}
	var (
		state State
		logs  []genPath
		data  []genPath
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		if !strings.HasPrefix(name, base+".") {
			continue
		}
		switch {
		case strings.HasSuffix(name, cstable.TempSuffix):
			os.Remove(path)
		case name == base+commitlogSuffix:
			p := path
			state.Commitlog = &p
		default:
			if gen, ok := parseGeneration(name, base, commitlogSuffix); ok {
				logs = append(logs, genPath{gen, path})
			} else if gen, ok := parseGeneration(name, base, datafileSuffix); ok {
				data = append(data, genPath{gen, path})
			} else {
				continue
			}
		}
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].gen < logs[j].gen })
	sort.Slice(data, func(i, j int) bool { return data[i].gen < data[j].gen })

	for _, l := range logs {
		state.OldCommitlogs = append(state.OldCommitlogs, l.path)
		if l.gen > state.Generation {
			state.Generation = l.gen
		}
	}
	var offset uint64
	for _, d := range data {
		r, err := cstable.Open(d.path)
		if err != nil {
			return State{}, err
		}
		df := Datafile{
			Path:       d.path,
			NumRecords: r.NumRecords(),
			Offset:     offset,
			Checksum:   r.Checksum(),
		}
		r.Close()
		state.Datafiles = append(state.Datafiles, df)
		offset += df.NumRecords
		if d.gen > state.Generation {
			state.Generation = d.gen
		}
	}
	return state, nil
}
