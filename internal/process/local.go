package process

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// LocalExecutor drives runs on goroutines owned by the executor. Close
// cancels them and waits for them to return.
type LocalExecutor struct {
	steps  *Steps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Launch against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
}

// ErrExecutorClosed is returned by Launch after Close.
var ErrExecutorClosed = eris.New("process: executor closed")

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(steps *Steps) *LocalExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalExecutor{steps: steps, ctx: ctx, cancel: cancel}
}

// Launch drives the run in the background. The caller's context only
// scopes the call; the run outlives it.
func (e *LocalExecutor) Launch(_ context.Context, p model.ProcessStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return eris.Wrapf(ErrExecutorClosed, "launch %s", p.ID)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		log := zap.L().With(zap.String("tenant", p.TenantID), zap.String("process_id", p.ID))
		state, err := e.steps.Drive(e.ctx, p.ID)
		if err != nil {
			log.Error("process: drive run", zap.String("state", string(state)), zap.Error(err))
			return
		}
		log.Debug("process: run parked", zap.String("state", string(state)))
	}()
	return nil
}

// Continue drives the run from its new state.
func (e *LocalExecutor) Continue(ctx context.Context, p model.ProcessStatus) error {
	return e.Launch(ctx, p)
}

// Wait blocks until every launched drive has returned.
func (e *LocalExecutor) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight drives and waits for them.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
