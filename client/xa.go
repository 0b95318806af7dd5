package client

import (
	"context"

	"github.com/sqlrelay/sqlrelay/wire"
)

// XA exposes distributed-transaction branch control over a session. A
// branch walks start, end, prepare, then commit or rollback; Commit with
// onePhase skips the prepare step for a branch that is the transaction's
// only participant.
type XA struct {
	sess *Session
}

// Start begins branch xid on this session.
func (x *XA) Start(ctx context.Context, xid string) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXAStart, Xid: xid})
	return err
}

// End disassociates the session from branch xid.
func (x *XA) End(ctx context.Context, xid string) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXAEnd, Xid: xid})
	return err
}

// Prepare votes the branch ready to commit.
func (x *XA) Prepare(ctx context.Context, xid string) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXAPrepare, Xid: xid})
	return err
}

// Commit commits the branch. A commit that fails after a successful prepare
// surfaces as an indeterminate error; the caller must use Recover to learn
// the branch outcome.
func (x *XA) Commit(ctx context.Context, xid string, onePhase bool) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXACommit, Xid: xid, OnePhase: onePhase})
	return err
}

// Rollback aborts the branch.
func (x *XA) Rollback(ctx context.Context, xid string) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXARollback, Xid: xid})
	return err
}

// Recover lists the branch ids that prepared but have not yet committed or
// rolled back on this session holder.
func (x *XA) Recover(ctx context.Context) ([]string, error) {
	resp, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXARecover})
	if err != nil {
		return nil, err
	}
	return resp.Xids, nil
}

// Forget discards a completed branch the holder is still tracking.
func (x *XA) Forget(ctx context.Context, xid string) error {
	_, err := x.sess.call(ctx, &wire.Request{Op: wire.OpXAForget, Xid: xid})
	return err
}
