// dkg/coordinator.go
// 驱动一个 guardian 的仪式：逐阶段广播、收集、到期封存

package dkg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/tbs"
)

// Network DKG 条目的广播通道
type Network interface {
	Broadcast(ctx context.Context, e *Entry) error
	Inbox() <-chan *Entry
}

// Coordinator 单个 guardian 的仪式调度
type Coordinator struct {
	ceremony     *Ceremony
	net          Network
	stageTimeout time.Duration
	log          *logs.Logger
}

func NewCoordinator(c *Ceremony, net Network, stageTimeout time.Duration) *Coordinator {
	return &Coordinator{
		ceremony:     c,
		net:          net,
		stageTimeout: stageTimeout,
		log:          logs.Named(fmt.Sprintf("dkg-%d", c.p.Self)),
	}
}

// Run 跑完整个仪式，返回本节点的门限密钥份额
func (co *Coordinator) Run(ctx context.Context) (*tbs.ThresholdKeyShare, error) {
	c := co.ceremony
	if err := c.sess.Start(); err != nil {
		return nil, err
	}
	for _, st := range stageOrder {
		if st != StageCommit {
			if err := c.sess.Advance(phaseForStage(st)); err != nil {
				return nil, err
			}
		}
		e, err := c.Entry(st)
		if err != nil {
			c.sess.Fail(err.Error())
			return nil, err
		}
		if err := c.log.Append(e); err != nil {
			return nil, err
		}
		if err := co.net.Broadcast(ctx, e); err != nil {
			co.log.Warn("broadcast %s failed: %v", st, err)
		}
		if err := co.collect(ctx, st); err != nil {
			c.sess.Fail(err.Error())
			return nil, err
		}
		c.log.Seal(st)
		co.log.Debug("stage %s sealed with %d/%d entries", st, c.log.Count(st), c.p.N)
	}
	res, err := c.Result()
	if err != nil {
		co.log.Error("ceremony %s failed: %v", c.p.Session, err)
		return nil, err
	}
	if err := c.sess.Advance(PhaseKeyReady); err != nil {
		return nil, err
	}
	for _, d := range c.Inconsistent() {
		co.log.Warn("dealer %s encrypted a share that differs from its reveal", d)
	}
	for _, g := range c.Mismatched() {
		co.log.Warn("%s confirmed a different key set", g)
	}
	co.log.Info("ceremony %s complete, disqualified=%v", c.p.Session, res.Public.Disqualified)
	return res, nil
}

// collect 收集本阶段条目直到齐全或超时。新接受的条目原样转发一次，
// 只发给部分 guardian 的条目也能到达所有诚实节点。
func (co *Coordinator) collect(ctx context.Context, st Stage) error {
	c := co.ceremony
	timer := time.NewTimer(co.stageTimeout)
	defer timer.Stop()
	for !c.log.Complete(st) {
		select {
		case e := <-co.net.Inbox():
			if err := c.Accept(e); err != nil {
				if errors.Is(err, ErrStageSealed) || errors.Is(err, ErrDuplicateEntry) {
					co.log.Trace("drop entry: %v", err)
				} else {
					co.log.Warn("reject entry from %s: %v", e.From, err)
				}
				continue
			}
			if err := co.net.Broadcast(ctx, e); err != nil {
				co.log.Debug("relay %s from %s failed: %v", e.Stage, e.From, err)
			}
		case <-timer.C:
			co.log.Warn("stage %s deadline with %d/%d entries", st, c.log.Count(st), c.p.N)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
