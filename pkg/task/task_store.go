package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// TaskStore 保存已结束任务的结果记录.
// 底层是内存里的 leveldb, 进程重启后记录不会保留.
type TaskStore struct {
	db *leveldb.DB
}

func NewTaskStore() (*TaskStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}

	return &TaskStore{
		db: db,
	}, nil
}

func (ts *TaskStore) Close() error {
	return ts.db.Close()
}

func (ts *TaskStore) AddTask(t Task) error {
	return ts.PutRecord(t.GetResult())
}

func (ts *TaskStore) PutRecord(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return ts.db.Put([]byte(r.TaskID), data, nil)
}

func (ts *TaskStore) GetRecord(taskID string) (Record, error) {
	data, err := ts.db.Get([]byte(taskID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Record{}, ErrTaskNotFound
		}
		return Record{}, err
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}

	return r, nil
}

// Purge 删除 before 之前结束的记录, 返回删除的条数
func (ts *TaskStore) Purge(before time.Time) (int, error) {
	iter := ts.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			// 无法解析的记录直接清掉
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if r.FinishedAt.Before(before) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), ts.db.Write(batch, nil)
}
