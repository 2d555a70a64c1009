package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

var drivers = []struct {
	driver string
	file   string
}{
	{"file", "state.json"},
	{"sqlite", "state.db"},
}

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestTasksSurviveReopen(t *testing.T) {
	t.Parallel()

	for _, d := range drivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)

			st := openTest(t, d.driver, path)
			for _, rec := range []TaskRecord{
				{ID: "b", Name: "beta", Data: []byte(`{"v":1}`)},
				{ID: "a", Name: "alpha", Data: []byte(`{"v":1}`)},
				{ID: "c", Name: "gamma", Data: []byte(`{"v":1}`)},
			} {
				if err := st.SaveTask(ctx, rec); err != nil {
					t.Fatalf("SaveTask: %v", err)
				}
			}
			if err := st.SaveTask(ctx, TaskRecord{ID: "a", Name: "alpha", Data: []byte(`{"v":2}`)}); err != nil {
				t.Fatalf("SaveTask update: %v", err)
			}
			if err := st.DeleteTask(ctx, "c"); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			if err := st.DeleteTask(ctx, "missing"); err != nil {
				t.Fatalf("DeleteTask missing: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openTest(t, d.driver, path)
			defer st.Close()
			recs, err := st.LoadTasks(ctx)
			if err != nil {
				t.Fatalf("LoadTasks: %v", err)
			}
			if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
				t.Fatalf("unexpected records: %+v", recs)
			}
			if string(recs[0].Data) != `{"v":2}` {
				t.Fatalf("update lost: %s", recs[0].Data)
			}
			if recs[0].UpdatedAt.IsZero() {
				t.Fatalf("updated_at not set")
			}
		})
	}
}

func TestExecutionsListAndPrune(t *testing.T) {
	t.Parallel()

	for _, d := range drivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, d.driver, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			base := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)
			for i := 0; i < 6; i++ {
				id := "t1"
				if i%2 == 1 {
					id = "t2"
				}
				rec := engine.ExecutionRecord{
					TaskID:     id,
					Name:       id,
					ExecutedAt: base.Add(time.Duration(i) * time.Hour),
					Duration:   1500 * time.Millisecond,
					Result:     engine.ResultSuccess,
				}
				if i == 4 {
					rec.Result = engine.ResultFailure
					rec.Error = "boom"
					rec.RetryCount = 2
				}
				if err := st.AppendExecution(ctx, rec); err != nil {
					t.Fatalf("AppendExecution: %v", err)
				}
			}

			got, err := st.ListExecutions(ctx, "t1", 2)
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if len(got) != 2 || !got[0].ExecutedAt.Equal(base.Add(4*time.Hour)) {
				t.Fatalf("newest-first order broken: %+v", got)
			}
			if got[0].Error != "boom" || got[0].RetryCount != 2 || got[0].Duration != 1500*time.Millisecond {
				t.Fatalf("fields lost: %+v", got[0])
			}

			n, err := st.PruneExecutions(ctx, base.Add(3*time.Hour))
			if err != nil || n != 3 {
				t.Fatalf("PruneExecutions: n=%d err=%v", n, err)
			}
			all, err := st.ListExecutions(ctx, "", 0)
			if err != nil || len(all) != 3 {
				t.Fatalf("after prune: %d %v", len(all), err)
			}
			if err := st.AppendExecution(ctx, engine.ExecutionRecord{TaskID: "t3", ExecutedAt: base.Add(10 * time.Hour), Result: engine.ResultTimeout}); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
			if all, _ := st.ListExecutions(ctx, "", 0); len(all) != 4 || all[0].TaskID != "t3" {
				t.Fatalf("append after prune not visible: %+v", all)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()

	for _, d := range drivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)
			st := openTest(t, d.driver, path)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "alert:x", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.PutDedup(ctx, "alert:old", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if _, ok, err := st.GetDedup(ctx, "nope"); ok || err != nil {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			_ = st.Close()

			st = openTest(t, d.driver, path)
			defer st.Close()
			got, ok, err := st.GetDedup(ctx, "alert:x")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup: %v %v %v", got, ok, err)
			}
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	for _, d := range drivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, d.driver, filepath.Join(t.TempDir(), d.file))
			if err := st.Ping(context.Background()); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			_ = st.Close()
			if d.driver == "file" {
				if err := st.Ping(context.Background()); err == nil {
					t.Fatalf("Ping after close should fail")
				}
			}
		})
	}
}

func TestJournalSkipsTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snap := filepath.Join(dir, "j.snapshot.json")
	logPath := filepath.Join(dir, "j.journal.jsonl")
	content := `{"op":"put","key":"a","value":1}` + "\n" +
		`{"op":"put","key":"b","value":2}` + "\n" +
		`{"op":"del","key":"a"}` + "\n" +
		`{"op":"put","key":"c","va`
	if err := os.WriteFile(logPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	j, err := openJournal(snap, logPath, 0)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer j.close()
	if len(j.data) != 1 {
		t.Fatalf("data=%v", j.data)
	}
	var v int
	if ok, err := j.get("b", &v); !ok || err != nil || v != 2 {
		t.Fatalf("b=%d ok=%v err=%v", v, ok, err)
	}
}

func TestJournalCompaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snap := filepath.Join(dir, "j.snapshot.json")
	logPath := filepath.Join(dir, "j.journal.jsonl")
	j, err := openJournal(snap, logPath, 3)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	for i, k := range []string{"a", "b", "c"} {
		if err := j.put(k, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal not truncated after compaction: size=%d", fi.Size())
	}
	if _, err := os.Stat(snap); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	_ = j.close()

	j2, err := openJournal(snap, logPath, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.close()
	if len(j2.data) != 3 {
		t.Fatalf("data=%v", j2.data)
	}
}
