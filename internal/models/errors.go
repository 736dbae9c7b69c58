package models

import "errors"

var (
	// ErrDataGap 行情快照缺少当前时间戳，已沿用上一行
	ErrDataGap = errors.New("market data gap")
	// ErrSizingZero 资金或流动性约束下任一腿数量为0
	ErrSizingZero = errors.New("order size rounded to zero")
	// ErrPersistenceWrite 状态文件写入或重命名失败
	ErrPersistenceWrite = errors.New("persist state")
	// ErrPersistenceLoad 状态文件缺失字段或格式损坏
	ErrPersistenceLoad = errors.New("load state")
	// ErrRecalibration 重新估计协整参数失败
	ErrRecalibration = errors.New("recalibration failed")
	// ErrNoTradablePairs 初始化时没有任何可交易的交易对
	ErrNoTradablePairs = errors.New("no tradable pairs")
)
