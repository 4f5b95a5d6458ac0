package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/logging"
)

// Message is a row from the notifications table, delivered to subscribers
// in insertion order.
type Message struct {
	ID        int64
	Channel   string
	Payload   string
	CreatedAt time.Time
}

// subscribers tracks in-process channel listeners so that same-process
// notifications are delivered immediately instead of waiting out a poll
// interval.
type subscribers struct {
	mu     sync.Mutex
	closed bool
	wake   map[string][]chan struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{wake: make(map[string][]chan struct{})}
}

func (sb *subscribers) register(channel string) chan struct{} {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ch := make(chan struct{}, 1)
	sb.wake[channel] = append(sb.wake[channel], ch)
	return ch
}

func (sb *subscribers) unregister(channel string, ch chan struct{}) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	list := sb.wake[channel]
	for i, c := range list {
		if c == ch {
			sb.wake[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// trigger nudges every in-process subscriber of the channel. Non-blocking;
// a full wake channel already has a pending poll.
func (sb *subscribers) trigger(channel string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, ch := range sb.wake[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (sb *subscribers) closeAll() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.closed = true
	for _, list := range sb.wake {
		for _, ch := range list {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Notify appends a message to the channel. Subscribers in this process are
// woken immediately; other processes pick it up on their next poll.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (channel, payload, created_at) VALUES (?, ?, ?)",
		channel, payload, s.now())
	if err != nil {
		return fmt.Errorf("%w: notify %s: %v", errs.ErrStore, channel, err)
	}
	s.subs.trigger(channel)
	return nil
}

// Subscribe delivers messages published to channel after the subscription
// starts, in order, until ctx is done or the store closes. The returned
// channel is closed on teardown.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	// Watermark: only messages newer than subscription time are delivered.
	var lastID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM notifications WHERE channel = ?", channel).Scan(&lastID)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", errs.ErrStore, channel, err)
	}

	wake := s.subs.register(channel)
	out := make(chan Message, 16)

	go func() {
		defer close(out)
		defer s.subs.unregister(channel, wake)

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for {
			msgs, err := s.fetchAfter(ctx, channel, lastID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warnf(logging.CategoryGroup, "notification poll failed on %s: %v", channel, err)
			}
			for _, m := range msgs {
				select {
				case out <- m:
					lastID = m.ID
				case <-ctx.Done():
					return
				}
			}

			s.subs.mu.Lock()
			closed := s.subs.closed
			s.subs.mu.Unlock()
			if closed {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *Store) fetchAfter(ctx context.Context, channel string, afterID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, payload, created_at FROM notifications
		WHERE channel = ? AND id > ? ORDER BY id`, channel, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PruneNotifications removes messages older than the cutoff. Intended for
// periodic housekeeping; subscribers never look backwards.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE created_at < ?", before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune notifications: %v", errs.ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
