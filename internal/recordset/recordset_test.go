package recordset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/recordstore/internal/bloom"
	"github.com/arkilian/recordstore/internal/cstable"
	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/internal/msgcodec"
	"github.com/arkilian/recordstore/internal/storage"
	"github.com/arkilian/recordstore/pkg/types"
)

func pairSchema() *types.Schema {
	return types.MustSchema("pair",
		types.Field{ID: 1, Name: "one", Type: types.FieldTypeString},
		types.Field{ID: 2, Name: "two", Type: types.FieldTypeString},
	)
}

func encodePair(t testing.TB, one, two string) []byte {
	t.Helper()
	rec := types.NewRecord()
	rec.AddString(1, one)
	rec.AddString(2, two)
	data, err := msgcodec.Encode(rec, pairSchema())
	require.NoError(t, err)
	return data
}

func pairOf(t testing.TB, n *types.Node) (string, string) {
	t.Helper()
	one, ok := n.Child(1)
	require.True(t, ok)
	two, ok := n.Child(2)
	require.True(t, ok)
	return one.Value.Str(), two.Value.Str()
}

func newSet(t *testing.T, opts ...Option) (*RecordSet, string) {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "testtable")
	rs, err := New(pairSchema(), prefix, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs, prefix
}

func add(t *testing.T, rs *RecordSet, id types.RecordID, one, two string) {
	t.Helper()
	require.NoError(t, rs.AddRecord(id, encodePair(t, one, two)))
}

func filesWithSuffix(t *testing.T, dir, suffix string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	require.NoError(t, err)
	return matches
}

func TestRecordSet_EndToEnd(t *testing.T) {
	rs, _ := newSet(t)

	add(t, rs, 0x42424242, "1a", "1b")
	add(t, rs, 0x23232323, "2a", "2b")

	assert.Equal(t, 2, rs.CommitlogSize())
	assert.Empty(t, rs.GetState().Datafiles)

	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	state := rs.GetState()
	require.Len(t, state.Datafiles, 1)
	assert.Empty(t, state.OldCommitlogs)
	assert.Equal(t, uint64(2), state.Datafiles[0].NumRecords)

	r, err := cstable.Open(state.Datafiles[0].Path)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.VerifyChecksum(state.Datafiles[0].Checksum))

	m, err := cstable.NewMaterializer(pairSchema(), r)
	require.NoError(t, err)
	var ones []string
	for m.Remaining() > 0 {
		rec, err := m.NextRecord()
		require.NoError(t, err)
		one, _ := pairOf(t, rec)
		ones = append(ones, one)
	}
	assert.ElementsMatch(t, []string{"1a", "2a"}, ones)

	ids, err := rs.ListRecords()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.RecordID{0x42424242, 0x23232323}, ids)
}

func TestRecordSet_Scale(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 10000 fsynced entries")
	}
	rs, _ := newSet(t)

	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 1000; i++ {
			id := types.RecordID(cycle*1000 + i + 1)
			add(t, rs, id, fmt.Sprintf("one-%d", id), fmt.Sprintf("two-%d", id))
		}
		require.NoError(t, rs.RollCommitlog())
	}
	assert.Equal(t, 10000, rs.CommitlogSize())
	require.NoError(t, rs.Compact())

	assert.Len(t, rs.GetState().Datafiles, 1)
	assert.Equal(t, uint64(10000), rs.NumRecords())
	assert.Equal(t, 0, rs.CommitlogSize())
}

func TestRecordSet_DedupWithinSegment(t *testing.T) {
	rs, _ := newSet(t)

	add(t, rs, 7, "A", "a")
	add(t, rs, 7, "B", "b")
	assert.Equal(t, 1, rs.CommitlogSize())

	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	assert.Equal(t, uint64(1), rs.NumRecords())
	rec, err := rs.FetchRecord(7)
	require.NoError(t, err)
	one, two := pairOf(t, rec)
	assert.Equal(t, "B", one)
	assert.Equal(t, "b", two)
}

func TestRecordSet_DedupAcrossCompaction(t *testing.T) {
	rs, _ := newSet(t)

	add(t, rs, 7, "A", "a")
	require.NoError(t, rs.RollCommitlog())
	add(t, rs, 7, "B", "b")
	require.NoError(t, rs.RollCommitlog())
	assert.Equal(t, 1, rs.CommitlogSize())
	assert.Len(t, rs.GetState().OldCommitlogs, 2)

	require.NoError(t, rs.Compact())

	ids, err := rs.ListRecords()
	require.NoError(t, err)
	assert.Equal(t, []types.RecordID{7}, ids)
	rec, err := rs.FetchRecord(7)
	require.NoError(t, err)
	one, _ := pairOf(t, rec)
	assert.Equal(t, "B", one)
}

// A commit log entry always replaces the version already compacted into a
// datafile, including datafiles before the last one.
func TestRecordSet_CommitlogWinsOverDatafile(t *testing.T) {
	rs, _ := newSet(t, WithMaxDatafileSize(64))

	for id := types.RecordID(1); id <= 6; id++ {
		add(t, rs, id, "v1", fmt.Sprintf("%d", id))
	}
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	before := rs.GetState()
	require.Greater(t, len(before.Datafiles), 1)

	add(t, rs, 1, "v2", "1")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	after := rs.GetState()

	assert.Equal(t, uint64(6), after.NumRecords())
	assert.NotEqual(t, before.Datafiles[0].Path, after.Datafiles[0].Path)

	for id := types.RecordID(1); id <= 6; id++ {
		rec, err := rs.FetchRecord(id)
		require.NoError(t, err)
		one, two := pairOf(t, rec)
		assert.Equal(t, fmt.Sprintf("%d", id), two)
		if id == 1 {
			assert.Equal(t, "v2", one)
		} else {
			assert.Equal(t, "v1", one)
		}
	}

	ids, err := rs.ListRecords()
	require.NoError(t, err)
	assert.Len(t, ids, 6)
	assertPartition(t, after)

	// replaced datafiles are gone from disk
	for _, df := range before.Datafiles {
		if !containsPath(after.Datafiles, df.Path) {
			_, err := os.Stat(df.Path)
			assert.True(t, os.IsNotExist(err), df.Path)
		}
	}
}

func containsPath(dfs []Datafile, path string) bool {
	for _, df := range dfs {
		if df.Path == path {
			return true
		}
	}
	return false
}

func assertPartition(t *testing.T, s State) {
	t.Helper()
	var offset uint64
	for _, df := range s.Datafiles {
		assert.Equal(t, offset, df.Offset, df.Path)
		assert.NotZero(t, df.NumRecords, df.Path)
		offset += df.NumRecords
	}
	assert.Equal(t, s.NumRecords(), offset)
}

func TestRecordSet_StateMachine(t *testing.T) {
	rs, prefix := newSet(t)

	add(t, rs, 1, "a", "a")
	state := rs.GetState()
	require.NotNil(t, state.Commitlog)
	assert.Equal(t, ActiveCommitlogPath(prefix), *state.Commitlog)
	assert.NotZero(t, state.CommitlogSize)

	require.NoError(t, rs.RollCommitlog())
	state = rs.GetState()
	assert.Nil(t, state.Commitlog)
	assert.Zero(t, state.CommitlogSize)
	assert.Equal(t, []string{RolledCommitlogPath(prefix, 1)}, state.OldCommitlogs)

	// rolling with nothing active does nothing
	require.NoError(t, rs.RollCommitlog())
	assert.Len(t, rs.GetState().OldCommitlogs, 1)

	add(t, rs, 2, "b", "b")
	require.NoError(t, rs.Compact())

	state = rs.GetState()
	assert.Empty(t, state.OldCommitlogs)
	require.Len(t, state.Datafiles, 1)
	assert.Equal(t, uint64(1), state.Datafiles[0].NumRecords)
	// the active segment is untouched by compaction
	assert.Equal(t, 1, rs.CommitlogSize())
	assert.NotNil(t, state.Commitlog)

	_, err := os.Stat(RolledCommitlogPath(prefix, 1))
	assert.True(t, os.IsNotExist(err))
}

func TestRecordSet_CompactNoop(t *testing.T) {
	rs, prefix := newSet(t)
	require.NoError(t, rs.Compact())
	assert.Equal(t, State{}, rs.GetState())

	add(t, rs, 1, "a", "a")
	before := rs.GetState()
	require.NoError(t, rs.Compact())
	assert.Equal(t, before, rs.GetState())
	assert.Empty(t, filesWithSuffix(t, filepath.Dir(prefix), datafileSuffix))
}

func TestRecordSet_Reopen(t *testing.T) {
	rs, prefix := newSet(t)

	add(t, rs, 1, "a", "a")
	add(t, rs, 2, "b", "b")
	require.NoError(t, rs.RollCommitlog())
	add(t, rs, 2, "b2", "b2")
	add(t, rs, 3, "c", "c")
	add(t, rs, 3, "c2", "c2")

	state := rs.GetState()
	size := rs.CommitlogSize()
	require.NoError(t, rs.Close())

	encoded, err := MarshalState(state)
	require.NoError(t, err)
	decoded, err := UnmarshalState(encoded)
	require.NoError(t, err)

	reopened, err := Open(pairSchema(), prefix, decoded)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, size, reopened.CommitlogSize())
	assert.Equal(t, state, reopened.GetState())

	require.NoError(t, reopened.RollCommitlog())
	require.NoError(t, reopened.Compact())
	assert.Equal(t, uint64(3), reopened.NumRecords())
	rec, err := reopened.FetchRecord(3)
	require.NoError(t, err)
	one, _ := pairOf(t, rec)
	assert.Equal(t, "c2", one)
}

func TestRecordSet_ReopenTruncatesTornTail(t *testing.T) {
	rs, prefix := newSet(t)
	add(t, rs, 1, "a", "a")
	add(t, rs, 2, "b", "b")
	state := rs.GetState()
	require.NoError(t, rs.Close())

	f, err := os.OpenFile(ActiveCommitlogPath(prefix), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(pairSchema(), prefix, state)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.CommitlogSize())
	assert.Equal(t, state.CommitlogSize, reopened.GetState().CommitlogSize)
	fi, err := os.Stat(ActiveCommitlogPath(prefix))
	require.NoError(t, err)
	assert.Equal(t, int64(state.CommitlogSize), fi.Size())

	// appends after recovery land on a clean boundary
	add(t, reopened, 3, "c", "c")
	require.NoError(t, reopened.RollCommitlog())
	require.NoError(t, reopened.Compact())
	assert.Equal(t, uint64(3), reopened.NumRecords())
}

func TestRecordSet_OpenMissingActiveCommitlog(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "testtable")
	path := ActiveCommitlogPath(prefix)
	_, err := Open(pairSchema(), prefix, State{Commitlog: &path})
	assert.True(t, errors.Is(err, rserrors.ErrIO))
}

func TestRecordSet_Discover(t *testing.T) {
	rs, prefix := newSet(t)
	for id := types.RecordID(1); id <= 4; id++ {
		add(t, rs, id, "x", "y")
	}
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	add(t, rs, 5, "x", "y")
	require.NoError(t, rs.RollCommitlog())
	add(t, rs, 6, "x", "y")
	state := rs.GetState()
	require.NoError(t, rs.Close())

	// leftovers of an interrupted write
	require.NoError(t, os.WriteFile(DatafilePath(prefix, 99)+cstable.TempSuffix, []byte("partial"), 0644))

	found, err := Discover(pairSchema(), prefix)
	require.NoError(t, err)
	defer found.Close()

	assert.Equal(t, state, found.GetState())
	assert.Equal(t, 2, found.CommitlogSize())
	assert.Empty(t, filesWithSuffix(t, filepath.Dir(prefix), cstable.TempSuffix))
	assert.NoError(t, found.Verify())
}

func TestRecordSet_Splitting(t *testing.T) {
	rs, _ := newSet(t)
	rs.SetMaxDatafileSize(256)

	var want []types.RecordID
	for cycle := 0; cycle < 5; cycle++ {
		for i := 0; i < 20; i++ {
			id := types.RecordID(cycle*100 + i + 1)
			want = append(want, id)
			add(t, rs, id, fmt.Sprintf("one-%d", id), fmt.Sprintf("two-%d", id))
		}
		require.NoError(t, rs.RollCommitlog())
		require.NoError(t, rs.Compact())
		assertPartition(t, rs.GetState())
	}

	state := rs.GetState()
	assert.Greater(t, len(state.Datafiles), 1)
	assert.Equal(t, uint64(100), state.NumRecords())

	ids, err := rs.ListRecords()
	require.NoError(t, err)
	assert.Equal(t, want, ids)

	var got []types.RecordID
	err = rs.FetchRecords(30, 25, func(id types.RecordID, rec *types.Node) error {
		one, _ := pairOf(t, rec)
		assert.Equal(t, fmt.Sprintf("one-%d", id), one)
		got = append(got, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want[30:55], got)

	var n int
	require.NoError(t, rs.FetchRecords(0, 0, func(types.RecordID, *types.Node) error {
		n++
		return nil
	}))
	assert.Equal(t, 100, n)

	stop := errors.New("stop")
	err = rs.FetchRecords(90, 0, func(types.RecordID, *types.Node) error { return stop })
	assert.Equal(t, stop, err)
}

func TestRecordSet_FailedCompactionLeavesState(t *testing.T) {
	rs, prefix := newSet(t)
	add(t, rs, 1, "a", "a")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	add(t, rs, 2, "b", "b")
	require.NoError(t, rs.RollCommitlog())
	before := rs.GetState()

	datafile := before.Datafiles[0].Path
	good, err := os.ReadFile(datafile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(datafile, []byte("garbage"), 0644))

	err = rs.Compact()
	assert.True(t, errors.Is(err, rserrors.ErrCorruptFile))
	assert.Equal(t, before, rs.GetState())
	assert.Equal(t, 1, rs.CommitlogSize())
	assert.Equal(t, []string{datafile}, filesWithSuffix(t, filepath.Dir(prefix), datafileSuffix))
	_, err = os.Stat(before.OldCommitlogs[0])
	assert.NoError(t, err)

	// retry once the datafile is readable again
	require.NoError(t, os.WriteFile(datafile, good, 0644))
	require.NoError(t, rs.Compact())
	assert.Equal(t, uint64(2), rs.NumRecords())
	assert.Equal(t, 0, rs.CommitlogSize())
}

func TestRecordSet_AddRecordRejectsMismatch(t *testing.T) {
	rs, prefix := newSet(t)

	err := rs.AddRecord(1, []byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
	assert.Equal(t, 0, rs.CommitlogSize())
	_, err = os.Stat(ActiveCommitlogPath(prefix))
	assert.True(t, os.IsNotExist(err))

	// a field the schema does not have
	rec := types.NewRecord()
	rec.AddString(1, "a")
	rec.AddString(2, "b")
	rec.AddUInt32(9, 1)
	_, err = msgcodec.Encode(rec, pairSchema())
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
}

func TestRecordSet_AddNodeAndKey(t *testing.T) {
	rs, _ := newSet(t)

	rec := types.NewRecord()
	rec.AddString(1, "k")
	rec.AddString(2, "v")
	require.NoError(t, rs.AddNode(5, rec))
	require.NoError(t, rs.AddRecordWithKey([]byte("customer-1"), encodePair(t, "c", "1")))
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	got, err := rs.FetchRecord(types.RecordIDFromKey([]byte("customer-1")))
	require.NoError(t, err)
	one, _ := pairOf(t, got)
	assert.Equal(t, "c", one)

	got, err = rs.FetchRecord(5)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))
}

func TestRecordSet_FetchRecordNotFound(t *testing.T) {
	rs, _ := newSet(t)
	_, err := rs.FetchRecord(1)
	assert.True(t, errors.Is(err, rserrors.ErrNotFound))

	add(t, rs, 1, "a", "a")
	_, err = rs.FetchRecord(1)
	assert.True(t, errors.Is(err, rserrors.ErrNotFound), "commit log records are not fetchable")

	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	_, err = rs.FetchRecord(2)
	assert.True(t, errors.Is(err, rserrors.ErrNotFound))
}

func TestRecordSet_VerifyDetectsChecksumMismatch(t *testing.T) {
	rs, prefix := newSet(t)
	add(t, rs, 1, "a", "a")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	state := rs.GetState()
	require.NoError(t, rs.Close())

	state.Datafiles[0].Checksum++
	reopened, err := Open(pairSchema(), prefix, state)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, errors.Is(reopened.Verify(), rserrors.ErrCorruptFile))
}

func TestRecordSet_ClosedRejectsWrites(t *testing.T) {
	rs, _ := newSet(t)
	require.NoError(t, rs.Close())
	assert.True(t, errors.Is(rs.AddRecord(1, encodePair(t, "a", "b")), rserrors.ErrIO))
	assert.Error(t, rs.RollCommitlog())
	assert.Error(t, rs.Compact())
	assert.NoError(t, rs.Close())
}

func TestRecordSet_WritesDuringCompaction(t *testing.T) {
	rs, _ := newSet(t)
	for id := types.RecordID(1); id <= 200; id++ {
		add(t, rs, id, "old", "x")
	}
	require.NoError(t, rs.RollCommitlog())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, rs.Compact())
	}()
	go func() {
		defer wg.Done()
		for id := types.RecordID(201); id <= 300; id++ {
			assert.NoError(t, rs.AddRecord(id, encodePair(t, "new", "x")))
		}
	}()
	wg.Wait()

	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	assert.Equal(t, uint64(300), rs.NumRecords())
	assert.Equal(t, 0, rs.CommitlogSize())
}

func TestRecordSet_ReadsDuringCompaction(t *testing.T) {
	rs, prefix := newSet(t, WithMaxDatafileSize(256))
	add(t, rs, 1, "v0", "x")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stop.Store(true)
		next := types.RecordID(2)
		for cycle := 1; cycle <= 100; cycle++ {
			// id 1 lives in the first datafile, so every cycle replaces it
			if !assert.NoError(t, rs.AddRecord(1, encodePair(t, fmt.Sprintf("v%d", cycle), "x"))) {
				return
			}
			for i := 0; i < 3; i++ {
				if !assert.NoError(t, rs.AddRecord(next, encodePair(t, "n", "x"))) {
					return
				}
				next++
			}
			if !assert.NoError(t, rs.RollCommitlog()) || !assert.NoError(t, rs.Compact()) {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for !stop.Load() {
			ids, err := rs.ListRecords()
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, types.RecordID(1), ids[0])

			_, err = rs.FetchRecord(1)
			if !assert.NoError(t, err) {
				return
			}
			var n int
			err = rs.FetchRecords(0, 0, func(types.RecordID, *types.Node) error {
				n++
				return nil
			})
			if !assert.NoError(t, err) {
				return
			}
			// the set only grows, so a later scan sees at least as many records
			assert.GreaterOrEqual(t, n, len(ids))
			if !assert.NoError(t, rs.Verify()) {
				return
			}
		}
	}()
	wg.Wait()

	st := rs.GetState()
	assert.Equal(t, uint64(301), st.NumRecords())
	assert.Len(t, filesWithSuffix(t, filepath.Dir(prefix), ".cst"), len(st.Datafiles),
		"replaced datafiles are removed once released")
	rec, err := rs.FetchRecord(1)
	require.NoError(t, err)
	one, _ := pairOf(t, rec)
	assert.Equal(t, "v100", one)
}

func TestRecordSet_ReplacedDatafileOutlivesReader(t *testing.T) {
	rs, _ := newSet(t)
	add(t, rs, 1, "a", "x")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())

	held := rs.acquire()
	require.Len(t, held, 1)
	old := held[0].Path

	add(t, rs, 1, "b", "x")
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	require.NotEqual(t, old, rs.GetState().Datafiles[0].Path)

	// the held datafile stays readable after it was replaced
	ids, err := readIDs(old)
	require.NoError(t, err)
	assert.Equal(t, []types.RecordID{1}, ids)

	rs.release(held)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(bloom.SidecarPath(old))
	assert.True(t, os.IsNotExist(err))

	rec, err := rs.FetchRecord(1)
	require.NoError(t, err)
	one, _ := pairOf(t, rec)
	assert.Equal(t, "b", one)
}

func TestRecordSet_BackupRestore(t *testing.T) {
	rs, _ := newSet(t, WithMaxDatafileSize(128))
	for id := types.RecordID(1); id <= 10; id++ {
		add(t, rs, id, fmt.Sprintf("%d", id), "x")
	}
	require.NoError(t, rs.RollCommitlog())
	require.NoError(t, rs.Compact())
	want, err := rs.ListRecords()
	require.NoError(t, err)

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	objects, err := rs.Backup(ctx, store, "backups/testtable")
	require.NoError(t, err)
	assert.Len(t, objects, 2*len(rs.GetState().Datafiles))

	restoredPrefix := filepath.Join(t.TempDir(), "testtable")
	n, err := Restore(ctx, store, "backups/testtable", restoredPrefix)
	require.NoError(t, err)
	assert.Equal(t, len(objects), n)

	restored, err := Discover(pairSchema(), restoredPrefix)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.Verify())

	got, err := restored.ListRecords()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	rec, err := restored.FetchRecord(7)
	require.NoError(t, err)
	one, _ := pairOf(t, rec)
	assert.Equal(t, "7", one)
}

func TestParseGeneration(t *testing.T) {
	gen, ok := parseGeneration("set.00000000000000ff.cst", "set", datafileSuffix)
	assert.True(t, ok)
	assert.Equal(t, uint64(255), gen)

	for _, name := range []string{"set.cst", "set.ff.cst", "other.00000000000000ff.cst", "set.00000000000000ff.log", "set.zzzzzzzzzzzzzzzz.cst"} {
		_, ok := parseGeneration(name, "set", datafileSuffix)
		assert.False(t, ok, name)
	}
}

// Interleaving writes, rolls and compactions in any order never loses the
// latest version of a record.
func TestRecordSet_LatestWriteWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("compacted contents equal the last write per id", prop.ForAll(
		func(ids []uint8, rollEvery int, sizeIdx int) bool {
			maxSize := []uint64{0, 64, 512}[sizeIdx]
			dir, err := os.MkdirTemp("", "recordset")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			rs, err := New(pairSchema(), filepath.Join(dir, "prop"), WithMaxDatafileSize(maxSize))
			if err != nil {
				return false
			}
			defer rs.Close()

			model := make(map[types.RecordID]string)
			for i, raw := range ids {
				id := types.RecordID(raw%16 + 1)
				val := fmt.Sprintf("v%d", i)
				if rs.AddRecord(id, encodePair(t, val, "x")) != nil {
					return false
				}
				model[id] = val
				if i%rollEvery == 0 && rs.RollCommitlog() != nil {
					return false
				}
				if i%(2*rollEvery) == 0 && rs.Compact() != nil {
					return false
				}
			}
			if rs.RollCommitlog() != nil || rs.Compact() != nil {
				return false
			}

			listed, err := rs.ListRecords()
			if err != nil || len(listed) != len(model) {
				return false
			}
			sorted := append([]types.RecordID(nil), listed...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			for i := 1; i < len(sorted); i++ {
				if sorted[i] == sorted[i-1] {
					return false
				}
			}
			for id, val := range model {
				rec, err := rs.FetchRecord(id)
				if err != nil {
					return false
				}
				one, ok := rec.Child(1)
				if !ok || one.Value.Str() != val {
					return false
				}
			}
			return rs.CommitlogSize() == 0
		},
		gen.SliceOfN(40, gen.UInt8()),
		gen.IntRange(1, 7),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
