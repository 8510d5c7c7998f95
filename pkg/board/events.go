package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event log
//
// Events are durably appended to a per-job ZSET (score = sequence number)
// before being fanned out over Pub/Sub. A fan-out failure never rolls back
// the durable write. Sequence numbers come from a per-job counter INCRed in
// the same Lua script as the ZADD, so they are strictly increasing and
// gap-free even across process crashes.

// AppendEvent assigns the next sequence number, persists the event, and then
// publishes it to live subscribers. Returns the event with Seq filled in.
func (c *Client) AppendEvent(ctx context.Context, ev *Event) (*Event, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = nowMs()
	}

	ev.Seq = 0
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	seq, err := appendEventScript.Run(ctx, c.rdb,
		[]string{EventsKey(c.ns, ev.JobID), EventSeqKey(c.ns, ev.JobID)},
		string(body),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("append event script failed: %w", err)
	}
	ev.Seq = seq
	if c.onEventAppended != nil {
		c.onEventAppended()
	}

	// Durable write done; fan-out is best-effort.
	full, err := json.Marshal(ev)
	if err != nil {
		return ev, nil
	}
	if err := c.rdb.Publish(ctx, EventStreamChannel(c.ns), full).Err(); err != nil {
		// Live subscribers recover via replay; history is already durable.
		return ev, nil
	}
	return ev, nil
}

// EventHistory returns events for a job with seq >= fromSeq, in order.
// limit <= 0 means no limit.
func (c *Client) EventHistory(ctx context.Context, jobID string, fromSeq int64, limit int) ([]*Event, error) {
	opt := &redis.ZRangeBy{Min: strconv.FormatInt(fromSeq, 10), Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := c.rdb.ZRangeByScore(ctx, EventsKey(c.ns, jobID), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}

	events := make([]*Event, 0, len(members))
	for _, member := range members {
		ev, err := decodeEventMember(member)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeEventMember parses a "seq|json" log member.
func decodeEventMember(member string) (*Event, error) {
	sep := strings.IndexByte(member, '|')
	if sep < 0 {
		return nil, fmt.Errorf("malformed event log member")
	}
	seq, err := strconv.ParseInt(member[:sep], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed event sequence: %w", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(member[sep+1:]), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	ev.Seq = seq
	return &ev, nil
}

// EventSubscription is an active stream of board events. Callers must call
// Close() when done. Delivery is at-least-once within the subscription
// lifetime; consumers deduplicate by (job_id, seq).
type EventSubscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of events. It is closed when the subscription
// closes or the context is cancelled.
func (s *EventSubscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors. Errors are non-fatal;
// the subscription continues and the offending message is skipped.
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *EventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents subscribes to board events, optionally filtered to one job
// and replayed from a sequence number. jobID == "" streams all jobs (replay
// requires a job id and is skipped otherwise). fromSeq <= 0 means live-only.
//
// Events are delivered on a channel of the given buffer size. A slow consumer
// does not block the board: when the buffer is full the event is dropped and
// a heartbeat marker event with payload reason=subscriber_lagged is delivered
// once room frees up, so the consumer knows to re-sync via EventHistory.
func (c *Client) SubscribeEvents(ctx context.Context, jobID string, fromSeq int64, buffer int) (*EventSubscription, error) {
	if buffer <= 0 {
		buffer = 16
	}

	pubsub := c.rdb.Subscribe(ctx, EventStreamChannel(c.ns))
	// Force the subscription onto the wire before replay so no live event
	// between replay and subscribe is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to event stream: %w", err)
	}

	eventsChan := make(chan *Event, buffer)
	errorsChan := make(chan error, 8)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		var lastSeq int64
		dropped := false

		deliver := func(ev *Event) bool {
			if dropped {
				marker := &Event{
					JobID:   ev.JobID,
					Kind:    EventHeartbeat,
					Payload: map[string]string{"reason": "subscriber_lagged"},
				}
				select {
				case eventsChan <- marker:
					dropped = false
				case <-subCtx.Done():
					return false
				default:
					if c.onSubscriberDrop != nil {
						c.onSubscriberDrop()
					}
					return true // still no room, keep dropping
				}
			}
			select {
			case eventsChan <- ev:
			case <-subCtx.Done():
				return false
			default:
				dropped = true
				if c.onSubscriberDrop != nil {
					c.onSubscriberDrop()
				}
			}
			return true
		}

		// Replay durable history first when requested.
		if jobID != "" && fromSeq > 0 {
			history, err := c.EventHistory(subCtx, jobID, fromSeq, 0)
			if err != nil {
				select {
				case errorsChan <- err:
				case <-subCtx.Done():
				}
				return
			}
			for _, ev := range history {
				if !deliver(ev) {
					return
				}
				lastSeq = ev.Seq
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if jobID != "" {
					if ev.JobID != jobID {
						continue
					}
					if ev.Seq <= lastSeq {
						continue // already delivered during replay
					}
					lastSeq = ev.Seq
				}
				if !deliver(&ev) {
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
