package store

import (
	"context"
	"sync"

	"bizchat/server/chat/domain"
	commonlog "bizchat/server/common/log"
)

type queryFunc func(ctx context.Context) ([]domain.Message, error)

// snapshotSub re-runs its query whenever it is poked and hands the result to
// deliver. Pokes coalesce and deliveries are serialized, so the last snapshot
// delivered is never older than the last poke.
type snapshotSub struct {
	query   queryFunc
	deliver func([]domain.Message)
	label   string

	poke   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	onClose   func()
}

func newSnapshotSub(label string, query queryFunc, deliver func([]domain.Message)) *snapshotSub {
	ctx, cancel := context.WithCancel(context.Background())
	s := &snapshotSub{
		query:   query,
		deliver: deliver,
		label:   label,
		poke:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	s.Poke()
	return s
}

func (s *snapshotSub) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *snapshotSub) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *snapshotSub) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.poke:
		}
		items, err := s.query(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			commonlog.Warnf("event=message_feed action=snapshot status=failed sub=%s error=%v", s.label, err)
			continue
		}
		s.deliver(items)
	}
}
