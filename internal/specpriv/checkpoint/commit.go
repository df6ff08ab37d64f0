package checkpoint

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
)

// acquireCommit takes the committer token. Without wait it gives up if another
// goroutine is committing: that goroutine will make the same progress.
func (m *Manager) acquireCommit(wait bool) bool {
	for !m.committing.CompareAndSwap(false, true) {
		if !wait {
			return false
		}
		runtime.Gosched()
	}
	return true
}

// frontPair returns the two oldest checkpoints if both are Complete.
func (m *Manager) frontPair() (older, newer *Checkpoint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	older = m.head
	if older == nil || older.next == nil {
		return nil, nil
	}
	newer = older.next
	if older.State() != Complete || newer.State() != Complete {
		return nil, nil
	}
	return older, newer
}

// CommitZeroOrMore combines the two oldest checkpoints for as long as both are
// Complete and returns how many were folded. who identifies the caller in reports.
//
// A privatization conflict marks the newer checkpoint Broken, raises the
// misspeculation flag at its iteration and returns the report. The older checkpoint
// is left untouched so distillation can still commit it.
func (m *Manager) CommitZeroOrMore(who int) (int, error) {
	if !m.acquireCommit(false) {
		return 0, nil
	}
	defer m.committing.Store(false)
	return m.commitLocked(who)
}

func (m *Manager) commitLocked(who int) (int, error) {
	n := 0
	for {
		older, newer := m.frontPair()
		if older == nil {
			return n, nil
		}

		older.lock.Lock()
		newer.lock.Lock()
		err := m.combine(newer, older)
		newer.lock.Unlock()
		older.lock.Unlock()

		if err != nil {
			var v *shadow.Violation
			if !errors.As(err, &v) {
				return n, err
			}
			newer.setState(Broken)
			m.stats.broken.Add(1)
			r := misspec.New(who, newer.iter, v.Error())
			m.flag.Raise(r)
			m.log.WithFields(logrus.Fields{"ckpt": newer.iter, "worker": who}).Warn("checkpoint broken: " + v.Error())
			return n, r
		}

		m.lock.Lock()
		m.unlink(older)
		m.release(older)
		m.lock.Unlock()

		m.stats.combined.Add(1)
		n++
	}
}

// combine folds the older checkpoint into the newer one and replays the older
// checkpoint's output. Both locks are held.
func (m *Manager) combine(newer, older *Checkpoint) error {
	if err := shadow.MergeCommitted(newer.privView(), older.privView(), older.ranges[PrivKind]); err != nil {
		return err
	}
	shadow.MergeCommittedUnchecked(newer.killView(), older.killView(), older.ranges[KillKind])
	shadow.MergeCommittedUnchecked(newer.shareView(), older.shareView(), older.ranges[ShareKind])
	for k := range newer.ranges {
		newer.ranges[k].Union(older.ranges[k])
	}

	m.reduxR.CombineAll(newer.redux.Data(), older.redux.Data())

	if err := deferio.Commit(&older.io, older.redux.Data(), m.streams); err != nil {
		return fmt.Errorf("commit output of checkpoint %d: %w", older.iter, err)
	}
	newer.updateFootprint(newer.redux.Used())

	m.log.WithFields(logrus.Fields{"from": older.iter, "into": newer.iter}).Debug("checkpoints combined")
	return nil
}

// Distill merges every front Complete checkpoint into main, in order, and squashes
// the remaining ones. It returns the main iteration afterwards.
//
// Only the main goroutine distills, after every worker stopped.
func (m *Manager) Distill() (int64, error) {
	m.acquireCommit(true)
	defer m.committing.Store(false)

	_, err := m.commitLocked(misspec.MainWorker)
	if err != nil && !errors.Is(err, misspec.ErrMisspeculation) {
		return m.MainIteration(), err
	}

	for {
		m.lock.Lock()
		c := m.head
		m.lock.Unlock()
		if c == nil || c.State() != Complete {
			break
		}

		c.lock.Lock()
		err := m.distillOne(c)
		c.lock.Unlock()
		if err != nil {
			return m.MainIteration(), err
		}

		m.lock.Lock()
		m.mainCk.iter = c.iter
		m.unlink(c)
		m.release(c)
		m.lock.Unlock()
		m.stats.distilled.Add(1)
	}

	m.lock.Lock()
	m.squashAll()
	iter := m.mainCk.iter
	m.lock.Unlock()
	return iter, nil
}

// Squash discards every used checkpoint without committing any of them, leaving
// main at its iteration before the invocation. It is used when the invocation must
// be all-or-nothing.
func (m *Manager) Squash() int64 {
	m.acquireCommit(true)
	defer m.committing.Store(false)

	m.lock.Lock()
	defer m.lock.Unlock()
	m.squashAll()
	return m.mainCk.iter
}

// squashAll releases the used list. Caller holds lock.
func (m *Manager) squashAll() {
	for c := m.head; c != nil; c = m.head {
		m.log.WithFields(logrus.Fields{"ckpt": c.iter, "state": c.State()}).Debug("checkpoint squashed")
		m.unlink(c)
		m.release(c)
		m.stats.squashed.Add(1)
	}
}

// distillOne merges c into the main heaps. c's lock is held.
func (m *Manager) distillOne(c *Checkpoint) error {
	if err := deferio.Commit(&c.io, c.redux.Data(), m.streams); err != nil {
		return fmt.Errorf("commit output of checkpoint %d: %w", c.iter, err)
	}
	shadow.MergeIntoMain(m.main.Priv.Data(), c.privView(), c.ranges[PrivKind])
	shadow.MergeIntoMain(m.main.Kill.Data(), c.killView(), c.ranges[KillKind])
	shadow.MergeIntoMain(m.main.Share.Data(), c.shareView(), c.ranges[ShareKind])
	m.reduxR.CombineAll(m.main.Redux.Data(), c.redux.Data())

	m.log.WithFields(logrus.Fields{"ckpt": c.iter}).Debug("checkpoint distilled")
	return nil
}
