package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	"pairs-arb-go/internal/models"
)

// StateRepository defines the interface for engine state persistence.
// It abstracts the underlying storage mechanism (JSON file, BadgerDB, SQLite)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically saves the engine state. History tails are truncated before writing.
	SaveState(state *models.EngineState) error

	// LoadState loads the engine state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.EngineState, error)

	// Close releases the underlying storage.
	Close() error
}

// encodeState 截断历史尾部并序列化
func encodeState(state *models.EngineState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: nil state", models.ErrPersistenceWrite)
	}
	toSave := state.Truncated(models.MaxPersistedTrades, models.MaxPersistedSamples)
	if toSave.Version == "" {
		toSave.Version = models.StateVersion
	}
	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", models.ErrPersistenceWrite, err)
	}
	return data, nil
}

// decodeState 反序列化并检查必需字段
func decodeState(data []byte) (*models.EngineState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", models.ErrPersistenceLoad)
	}

	// 先检查必需字段是否存在，缺字段与零值需要区分
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
	}
	for _, field := range []string{"version", "capital", "positions", "pair_states"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", models.ErrPersistenceLoad, field)
		}
	}

	var state models.EngineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
	}
	if !compatibleVersion(state.Version) {
		return nil, fmt.Errorf("%w: unsupported version %q", models.ErrPersistenceLoad, state.Version)
	}
	for key, ps := range state.PairStates {
		if ps == nil {
			return nil, fmt.Errorf("%w: pair_states[%s] is null", models.ErrPersistenceLoad, key)
		}
		if !ps.CurrentPosition.Valid() {
			return nil, fmt.Errorf("%w: pair_states[%s] has invalid position %d", models.ErrPersistenceLoad, key, ps.CurrentPosition)
		}
		if ps.Pair.Symbol1 == "" {
			pk, err := models.ParsePairKey(key)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
			}
			ps.Pair = pk
		}
	}
	if state.Positions == nil {
		state.Positions = make(map[string]*models.Position)
	}
	if state.CointegrationParams == nil {
		state.CointegrationParams = make(map[string]models.CointegrationParams)
	}
	return &state, nil
}

// compatibleVersion 只接受相同主版本
func compatibleVersion(v string) bool {
	major := func(s string) string {
		if i := strings.Index(s, "."); i >= 0 {
			return s[:i]
		}
		return s
	}
	return v != "" && major(v) == major(models.StateVersion)
}

// Open 根据配置选择存储后端
func Open(cfg models.PersistenceConfig) (StateRepository, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileRepository(cfg.StateFile)
	case "badger":
		return NewBadgerRepository(cfg.BadgerDir)
	case "sqlite":
		// 出错时不能把 nil 的 *SQLiteRepository 装进接口返回
		repo, err := NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
