package execution

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// IDGenerator 生成短成交ID: <运行ID前缀>-<base62序号>
type IDGenerator struct {
	prefix string
	seq    uint64
}

// NewIDGenerator 以运行ID和已有成交数创建生成器，重启后序号继续递增
func NewIDGenerator(runID string, start uint64) *IDGenerator {
	prefix := runID
	if u, err := uuid.Parse(runID); err == nil {
		prefix = base62.EncodeToString(u[:6])
	}
	return &IDGenerator{prefix: prefix, seq: start}
}

// Next 返回下一个ID
func (g *IDGenerator) Next() string {
	g.seq++
	return g.prefix + "-" + string(base62.FormatUint(g.seq))
}
