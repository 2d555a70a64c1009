package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// journal is a keyed map persisted as a JSON snapshot plus an append-only
// JSONL log of put/delete operations. The log is folded into the snapshot
// every compactEvery writes and on Close.
type journal struct {
	snapPath string
	logFile  *os.File
	data     map[string]json.RawMessage

	writes       int
	compactEvery int
}

type journalOp struct {
	Op    string          `json:"op"` // "put" | "del"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func openJournal(snapPath, logPath string, compactEvery int) (*journal, error) {
	j := &journal{snapPath: snapPath, data: map[string]json.RawMessage{}, compactEvery: compactEvery}
	if err := j.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := j.replay(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.logFile = f
	return j, nil
}

func (j *journal) loadSnapshot() error {
	f, err := os.Open(j.snapPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for k, v := range m {
		j.data[k] = v
	}
	return nil
}

// replay applies logged operations. A torn trailing line from a crash is
// skipped.
func (j *journal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Key == "" {
			continue
		}
		switch op.Op {
		case "put":
			j.data[op.Key] = op.Value
		case "del":
			delete(j.data, op.Key)
		}
	}
	return sc.Err()
}

func (j *journal) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := j.append(journalOp{Op: "put", Key: key, Value: b}); err != nil {
		return err
	}
	j.data[key] = b
	return nil
}

func (j *journal) del(key string) error {
	if _, ok := j.data[key]; !ok {
		return nil
	}
	if err := j.append(journalOp{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(j.data, key)
	return nil
}

func (j *journal) get(key string, out any) (bool, error) {
	b, ok := j.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (j *journal) append(op journalOp) error {
	if j.logFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(j.logFile).Encode(op); err != nil {
		return err
	}
	j.writes++
	if j.compactEvery > 0 && j.writes%j.compactEvery == 0 {
		return j.compact()
	}
	return nil
}

// compact writes the snapshot atomically and truncates the log.
func (j *journal) compact() error {
	if err := writeJSONAtomic(j.snapPath, j.data); err != nil {
		return err
	}
	if j.logFile == nil {
		return nil
	}
	if err := j.logFile.Truncate(0); err != nil {
		return err
	}
	_, err := j.logFile.Seek(0, io.SeekEnd)
	return err
}

func (j *journal) close() error {
	if j.logFile == nil {
		return nil
	}
	err := j.compact()
	if cerr := j.logFile.Close(); err == nil {
		err = cerr
	}
	j.logFile = nil
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
