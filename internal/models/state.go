package models

import "time"

// StateVersion 是当前持久化格式的版本号
const StateVersion = "1.0"

const (
	// MaxPersistedTrades 持久化时保留的最近成交数量
	MaxPersistedTrades = 1000
	// MaxPersistedSamples 持久化时保留的最近权益样本数量
	MaxPersistedSamples = 10000
)

// EngineState 定义了需要持久化的所有关键数据
type EngineState struct {
	Version             string                         `json:"version"`
	SavedAt             time.Time                      `json:"saved_at"`
	RunID               string                         `json:"run_id"`
	InitialCapital      float64                        `json:"initial_capital"`
	Capital             float64                        `json:"capital"`
	MaxPositionPct      float64                        `json:"max_position_pct"`
	CommissionRate      float64                        `json:"commission_rate"`
	SlippageRate        float64                        `json:"slippage_rate"`
	StartTime           *time.Time                     `json:"start_time"`
	TotalTrades         int                            `json:"total_trades"`
	WinningTrades       int                            `json:"winning_trades"`
	TotalCommission     float64                        `json:"total_commission"`
	Positions           map[string]*Position           `json:"positions"`
	PairStates          map[string]*PairState          `json:"pair_states"`
	CointegrationParams map[string]CointegrationParams `json:"cointegration_params"`
	Trades              []Trade                        `json:"trades"`
	PortfolioHistory    []EquitySample                 `json:"portfolio_history"`
}

// Clone creates a deep copy so a snapshot can be handed to another goroutine.
func (s *EngineState) Clone() *EngineState {
	if s == nil {
		return nil
	}

	c := *s
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}

	if s.Positions != nil {
		c.Positions = make(map[string]*Position, len(s.Positions))
		for k, v := range s.Positions {
			if v != nil {
				p := *v
				c.Positions[k] = &p
			}
		}
	}

	if s.PairStates != nil {
		c.PairStates = make(map[string]*PairState, len(s.PairStates))
		for k, v := range s.PairStates {
			if v != nil {
				ps := *v
				if v.LastSignalTime != nil {
					t := *v.LastSignalTime
					ps.LastSignalTime = &t
				}
				c.PairStates[k] = &ps
			}
		}
	}

	if s.CointegrationParams != nil {
		c.CointegrationParams = make(map[string]CointegrationParams, len(s.CointegrationParams))
		for k, v := range s.CointegrationParams {
			c.CointegrationParams[k] = v
		}
	}

	if s.Trades != nil {
		c.Trades = make([]Trade, len(s.Trades))
		copy(c.Trades, s.Trades)
	}
	if s.PortfolioHistory != nil {
		c.PortfolioHistory = make([]EquitySample, len(s.PortfolioHistory))
		copy(c.PortfolioHistory, s.PortfolioHistory)
	}

	return &c
}

// Truncated 返回一个历史记录被截断为尾部的副本，用于写盘
func (s *EngineState) Truncated(maxTrades, maxSamples int) *EngineState {
	c := s.Clone()
	if c == nil {
		return nil
	}
	if maxTrades >= 0 && len(c.Trades) > maxTrades {
		c.Trades = c.Trades[len(c.Trades)-maxTrades:]
	}
	if maxSamples >= 0 && len(c.PortfolioHistory) > maxSamples {
		c.PortfolioHistory = c.PortfolioHistory[len(c.PortfolioHistory)-maxSamples:]
	}
	return c
}
