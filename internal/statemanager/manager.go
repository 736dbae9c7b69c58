package statemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairs-arb-go/internal/engine"
	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/persistence"
	"pairs-arb-go/internal/recalibration"
)

// EventType defines the type of a normalized event
type EventType int

const (
	TickEvent EventType = iota
	RecalibrateEvent
	StatusEvent
	SnapshotEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// RecalibrateEventData carries an aligned close-price window fetched by the producer side.
type RecalibrateEventData struct {
	Series map[string][]float64
}

// snapshotRequest asks the event loop for a copy of the engine state.
type snapshotRequest struct {
	reply chan *models.EngineState
}

// StatusReporter receives periodic status summaries.
// This is used to keep rendering out of the state manager.
type StatusReporter interface {
	ReportStatus(status ledger.Status)
}

// ErrStopped is returned when an event is dispatched after Stop.
var ErrStopped = errors.New("state manager stopped")

// StateManager is the single writer of engine state in streaming mode.
// Producers only hand over immutable snapshots; every mutation happens on
// the event loop goroutine, one event at a time.
type StateManager struct {
	engine          *engine.Engine
	repo            persistence.StateRepository
	reporter        StatusReporter
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.EngineState
	stopChan        chan struct{}
	stopOnce        sync.Once
	loops           sync.WaitGroup
	dirty           bool
	onTick          func(engine.TickResult)
	onRecalibrate   func(recalibration.Report)
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager.
func NewStateManager(eng *engine.Engine, repo persistence.StateRepository, reporter StatusReporter, logger *zap.Logger) *StateManager {
	return &StateManager{
		engine:          eng,
		repo:            repo,
		reporter:        reporter,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.EngineState, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// OnTick registers a callback invoked on the event loop after every processed tick.
// Must be set before Start.
func (sm *StateManager) OnTick(fn func(engine.TickResult)) {
	sm.onTick = fn
}

// OnRecalibrate registers a callback invoked after every recalibration round.
// Must be set before Start.
func (sm *StateManager) OnRecalibrate(fn func(recalibration.Report)) {
	sm.onRecalibrate = fn
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.loops.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop lets the in-flight event finish, drains pending saves and then
// persists the final state synchronously.
func (sm *StateManager) Stop() error {
	var err error
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.loops.Wait()

		// 事件循环已退出，此处可以安全读取引擎
		if sm.repo != nil {
			if saveErr := sm.repo.SaveState(sm.engine.ExportState(time.Now())); saveErr != nil {
				sm.logger.Sugar().Errorf("CRITICAL: 保存最终状态失败: %v", saveErr)
				err = saveErr
			} else {
				sm.logger.Sugar().Info("最终状态已保存。")
			}
		}
		sm.logger.Sugar().Info("StateManager stopped.")
	})
	return err
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) error {
	select {
	case <-sm.stopChan:
		return ErrStopped
	default:
	}
	select {
	case sm.eventChannel <- event:
		return nil
	case <-sm.stopChan:
		return ErrStopped
	}
}

// DispatchTick wraps a market snapshot into a TickEvent.
func (sm *StateManager) DispatchTick(snap models.MarketSnapshot) error {
	return sm.DispatchEvent(NormalizedEvent{Type: TickEvent, Timestamp: snap.Timestamp, Data: snap})
}

// Feed forwards snapshots from a producer channel until ctx is done or the channel closes.
func (sm *StateManager) Feed(ctx context.Context, snapshots <-chan models.MarketSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := sm.DispatchTick(snap); err != nil {
				return
			}
		}
	}
}

// GetStateSnapshot returns a deep copy of the engine state, produced on the event loop.
func (sm *StateManager) GetStateSnapshot(ctx context.Context) (*models.EngineState, error) {
	req := snapshotRequest{reply: make(chan *models.EngineState, 1)}
	if err := sm.DispatchEvent(NormalizedEvent{Type: SnapshotEvent, Timestamp: time.Now(), Data: req}); err != nil {
		return nil, err
	}
	select {
	case st := <-req.reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sm.stopChan:
		return nil, ErrStopped
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.loops.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.loops.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.stopChan:
			// 退出前写掉已排队的快照
			for {
				select {
				case stateToSave := <-sm.persistenceChan:
					sm.save(stateToSave)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) save(state *models.EngineState) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveState(state); err != nil {
		// 内存状态保留，下一次成交时会再次尝试
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case TickEvent:
		snap, ok := event.Data.(models.MarketSnapshot)
		if !ok {
			sm.logger.Sugar().Warnf("Received TickEvent with unexpected data type: %T", event.Data)
			return
		}
		res := sm.engine.ProcessTick(snap)
		if res.Traded {
			sm.dirty = true
		}
		if sm.onTick != nil {
			sm.onTick(res)
		}
	case RecalibrateEvent:
		data, ok := event.Data.(RecalibrateEventData)
		if !ok {
			sm.logger.Sugar().Warnf("Received RecalibrateEvent with unexpected data type: %T", event.Data)
			return
		}
		rep, err := sm.engine.Recalibrate(data.Series)
		if err != nil {
			sm.logger.Sugar().Warnf("重新校准失败: %v", err)
			return
		}
		if rep.Applied > 0 {
			sm.dirty = true
		}
		if sm.onRecalibrate != nil {
			sm.onRecalibrate(rep)
		}
	case StatusEvent:
		if sm.reporter != nil {
			sm.reporter.ReportStatus(sm.engine.Status(time.Now()))
		}
	case SnapshotEvent:
		req, ok := event.Data.(snapshotRequest)
		if !ok {
			sm.logger.Sugar().Warnf("Received SnapshotEvent with unexpected data type: %T", event.Data)
			return
		}
		req.reply <- sm.engine.ExportState(time.Now())
	default:
		sm.logger.Sugar().Warnf("Unknown event type: %d", event.Type)
	}

	if sm.dirty {
		sm.enqueueSave()
	}
}

// enqueueSave 只在状态发生变化后触发。队列满时跳过，后续快照包含全部状态。
func (sm *StateManager) enqueueSave() {
	select {
	case sm.persistenceChan <- sm.engine.ExportState(time.Now()):
		sm.dirty = false
	default:
		sm.logger.Sugar().Warn("持久化队列已满，本次快照延后保存")
	}
}
