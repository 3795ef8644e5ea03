package store

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// PendingStore 待上报队列的持久化快照（badger）。
// 每个分类一个 key，value 是整条队列的 JSON 快照；
// 进程重启后可恢复未上报的结果。
type PendingStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// OpenPendingStore 打开（或创建）快照库
func OpenPendingStore(dir string) (*PendingStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开待上报快照库失败: %w", err)
	}
	return &PendingStore{
		db:  db,
		log: logrus.WithField("component", "pending-store"),
	}, nil
}

// Close 关闭库
func (s *PendingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pendingKey(category domain.Category) []byte {
	return []byte("pending/" + string(category))
}

// Save 覆盖写入某个分类的整条队列快照
func (s *PendingStore) Save(category domain.Category, queue []domain.ClassificationResult) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("序列化待上报队列失败: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(category), data)
	})
	if err != nil {
		return fmt.Errorf("写入待上报快照失败: %w", err)
	}
	return nil
}

// Load 读取某个分类的队列快照；key 不存在返回空队列
func (s *PendingStore) Load(category domain.Category) ([]domain.ClassificationResult, error) {
	var queue []domain.ClassificationResult
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(category))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &queue)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("读取待上报快照失败: %w", err)
	}
	return queue, nil
}

// LoadAll 读取全部上报分类的快照
func (s *PendingStore) LoadAll() (map[domain.Category][]domain.ClassificationResult, error) {
	out := make(map[domain.Category][]domain.ClassificationResult)
	for _, cat := range domain.FlushCategories() {
		queue, err := s.Load(cat)
		if err != nil {
			return nil, err
		}
		if len(queue) > 0 {
			out[cat] = queue
		}
	}
	return out, nil
}
