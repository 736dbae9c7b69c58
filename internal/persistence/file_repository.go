package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pairs-arb-go/internal/models"
)

// fileRepository 将状态保存为单个JSON文件。
// 先写 path.tmp 并 fsync，再 rename 覆盖目标文件，写到一半崩溃不会损坏上一次的快照。
type fileRepository struct {
	path string
}

// NewFileRepository creates a JSON file backed repository.
func NewFileRepository(path string) (StateRepository, error) {
	if path == "" {
		return nil, errors.New("state file path is empty")
	}
	return &fileRepository{path: path}, nil
}

// SaveState 原子写入
func (r *fileRepository) SaveState(state *models.EngineState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("%w: 无法创建目录: %v", models.ErrPersistenceWrite, err)
	}

	tmp := r.path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: 写入临时文件失败: %v", models.ErrPersistenceWrite, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: 重命名失败: %v", models.ErrPersistenceWrite, err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadState 读取状态文件，文件不存在时返回 (nil, nil)
func (r *fileRepository) LoadState() (*models.EngineState, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
	}
	return decodeState(data)
}

// Close 文件存储无需释放资源
func (r *fileRepository) Close() error {
	return nil
}
