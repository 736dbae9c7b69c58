package persistence

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"pairs-arb-go/internal/models"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
// The whole engine state is one JSON document under a fixed key, so every
// save replaces it inside a single transaction.
type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository opens (or creates) a BadgerDB at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// 关闭 Badger 自身日志，错误仍通过返回值传递
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:       db,
		stateKey: []byte("engine_state"),
	}, nil
}

// SaveState 在一个事务中覆盖保存状态
func (r *badgerRepository) SaveState(state *models.EngineState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistenceWrite, err)
	}
	return nil
}

// LoadState returns (nil, nil) when the key has never been written.
func (r *badgerRepository) LoadState() (*models.EngineState, error) {
	var data []byte

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
	}

	return decodeState(data)
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
