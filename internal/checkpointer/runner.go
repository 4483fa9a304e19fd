package checkpointer

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cooldb-io/cooldb/internal/core"
)

// Pool is the subset of buffer.Pool a checkpoint pass drives.
type Pool interface {
	CheckPoint() ([]core.DirtyPageEntry, error)
	WriterSignal() <-chan struct{}
}

// Log is the subset of logmgr.Manager a checkpoint pass writes
// through: the begin/end bracket records and the firewall move.
type Log interface {
	WriteRedo(rec *core.RedoLogRecord) (core.LSN, error)
	FlushTo(lsn core.LSN) error
	MoveFirewallTo(lsn core.LSN) error
}

// Runner owns the single long-lived background goroutine that turns
// buffer.Pool's dirty-page-ratio signal into a fuzzy checkpoint.
type Runner struct {
	pool       Pool
	log        Log
	lg         *zap.Logger
	instanceID uuid.UUID

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New binds the pool to checkpoint and the log manager to bracket each
// pass with. A nil logger is replaced with zap.NewNop, matching the
// teacher's own nil-logger fallback convention. instanceID is stamped
// onto every log line this Runner emits, so checkpoint activity from
// one filestore.Manager instance can be told apart from another's in a
// shared log stream (e.g. across a test process that opens and closes
// several databases in succession).
func New(pool Pool, log Log, lg *zap.Logger, instanceID uuid.UUID) *Runner {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Runner{pool: pool, log: log, lg: lg, instanceID: instanceID}
}

// Start launches the background loop. It returns immediately; call
// Stop to shut it down. Start must not be called twice without an
// intervening Stop.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	r.group = g
	g.Go(func() error {
		return r.loop(gctx)
	})
}

// Stop cancels the background loop and waits for it to exit.
func (r *Runner) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	return r.group.Wait()
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.pool.WriterSignal():
			if err := r.Checkpoint(); err != nil {
				r.lg.Error("checkpoint failed", zap.Error(err), zap.String("instance", r.instanceID.String()))
				return err
			}
		}
	}
}

// Checkpoint runs one fuzzy checkpoint pass: a begin-checkpoint
// record, a buffer pool flush sweep, an end-checkpoint record carrying
// whatever is still dirty afterward, and a firewall move up to the
// oldest outstanding recLSN.
func (r *Runner) Checkpoint() error {
	beginLSN, err := r.log.WriteRedo(&core.RedoLogRecord{Type: core.RecBeginCheckpoint})
	if err != nil {
		return errors.Wrap(err, "checkpointer: write begin-checkpoint")
	}
	r.lg.Debug("checkpoint begin", zap.Uint64("lsn", uint64(beginLSN)), zap.String("instance", r.instanceID.String()))

	remaining, err := r.pool.CheckPoint()
	if err != nil {
		return errors.Wrap(err, "checkpointer: buffer pool sweep")
	}

	endLSN, err := r.log.WriteRedo(&core.RedoLogRecord{
		Type: core.RecEndCheckpoint,
		Data: []core.Attachment{encodeDirtyPageTable(remaining)},
	})
	if err != nil {
		return errors.Wrap(err, "checkpointer: write end-checkpoint")
	}
	if err := r.log.FlushTo(endLSN); err != nil {
		return errors.Wrap(err, "checkpointer: flush end-checkpoint")
	}

	firewall := minRecLSN(remaining, beginLSN)
	if err := r.log.MoveFirewallTo(firewall); err != nil {
		return errors.Wrap(err, "checkpointer: move firewall")
	}

	r.lg.Debug("checkpoint end",
		zap.Uint64("lsn", uint64(endLSN)),
		zap.Int("dirty_remaining", len(remaining)),
		zap.Uint64("firewall", uint64(firewall)),
		zap.String("instance", r.instanceID.String()))
	return nil
}
