package pgbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/callback"
)

// Listener relays pg_notify callbacks from one channel into an inbox.
type Listener struct {
	db      *Database
	channel string
	inbox   *callback.Inbox
	logger  *zap.Logger
	backoff time.Duration
}

// NewListener creates a listener. It does nothing until Run.
func NewListener(db *Database, channel string, inbox *callback.Inbox, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		db:      db,
		channel: channel,
		inbox:   inbox,
		logger:  logger.With(zap.String("resource", db.ID()), zap.String("channel", channel)),
		backoff: time.Second,
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
// Malformed payloads are logged and dropped.
func (l *Listener) Run(ctx context.Context) error {
	wait := l.backoff
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, callback.ErrClosed) {
			return nil
		}
		l.logger.Warn("callback listener disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.db.pool.Acquire(ctx)
	if err != nil {
		return wrapError("acquire listener connection", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return wrapError("listen", err)
	}
	l.logger.Info("callback listener started")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return wrapError("wait for notification", err)
		}
		msg, err := callback.Parse([]byte(n.Payload))
		if err != nil {
			l.logger.Warn("dropping malformed callback", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		if err := l.inbox.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish callback: %w", err)
		}
		l.logger.Debug("callback received",
			zap.String("job_id", msg.JobID),
			zap.String("step_id", msg.StepID),
			zap.String("outcome", string(msg.Outcome)))
	}
}
