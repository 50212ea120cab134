// Package chaser runs the per-tick pipeline that drives overdue tasks to
// acknowledgement: fetch due candidates, confirm against the system of
// record, gate sequential categories, honor the regional business window,
// rotate the ack link, post the reminder, then write the new schedule
// through to the system of record and mirror it locally.
package chaser

import (
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/chip-edw/taskchaser/pkg/acklink"
	"github.com/chip-edw/taskchaser/pkg/notify"
	"github.com/chip-edw/taskchaser/pkg/sor"
	"github.com/chip-edw/taskchaser/pkg/store"
	"github.com/chip-edw/taskchaser/pkg/workflow"
)

// TaskStore is the slice of the projection store the loop uses.
type TaskStore interface {
	DueCandidates(ctx context.Context, now time.Time, limit int) ([]*store.Task, error)
	GroupStatus(ctx context.Context, customerID, categoryKey, anchor string, offsetDays int) ([]store.GroupTask, error)
	MirrorStatus(ctx context.Context, taskID int64, status string) error
	MirrorGone(ctx context.Context, taskID int64) error
	MirrorNextChase(ctx context.Context, taskID int64, next time.Time) error
	MirrorChase(ctx context.Context, taskID int64, version int, expires, last, next time.Time) error
	MirrorThread(ctx context.Context, taskID int64, rootMessageID, lastMessageID, categoryKey string, offsetDays int) error
}

// SourceOfRecord is the slice of the collaboration-platform client the loop
// uses. GetStatusAndDueUtc returns (nil, nil) when the item is gone.
type SourceOfRecord interface {
	GetStatusAndDueUtc(ctx context.Context, itemID string) (*sor.ItemState, error)
	UpdateChaserFields(ctx context.Context, itemID string, important, incrementChase bool, nextChaseAtUtc time.Time) error
}

type Notifier interface {
	PostChaser(ctx context.Context, m notify.Message) (rootID, msgID string, err error)
}

type LinkBuilder interface {
	Build(ctx context.Context, p acklink.LinkParams) (string, error)
}

type Clock interface {
	NextBusinessDayAtHourUtc(region string, sendHourLocal int, fromUtc time.Time) time.Time
	IsWithinWindow(region string, startHourLocal, endHourLocal, cushionHours int, nowUtc time.Time) bool
}

// Options are the loop's knobs, already defaulted by the config layer.
type Options struct {
	CadenceMinutes int
	BatchSize      int
	SendHourLocal  int

	WindowStartHourLocal int
	WindowEndHourLocal   int
	WindowCushionHours   int

	ChaserTtlHours int

	MaxConsecutiveFailures int
	CoolOffMinutes         int
}

// Loop is the chaser orchestrator. Exactly one runs per deployment; ticks
// are strictly sequential.
type Loop struct {
	opts     Options
	store    TaskStore
	sor      SourceOfRecord
	notifier Notifier
	links    LinkBuilder
	clock    Clock
	log      *zap.Logger

	order   map[workflow.CategoryAnchor]int
	byIndex []workflow.CategoryAnchor

	failures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(opts Options, ts TaskStore, src SourceOfRecord, n Notifier, links LinkBuilder, clock Clock, order map[workflow.CategoryAnchor]int, log *zap.Logger) *Loop {
	if opts.CadenceMinutes < 1 {
		opts.CadenceMinutes = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.ChaserTtlHours < 1 {
		opts.ChaserTtlHours = 1
	}

	byIndex := make([]workflow.CategoryAnchor, len(order))
	for key, idx := range order {
		if idx >= 0 && idx < len(byIndex) {
			byIndex[idx] = key
		}
	}

	return &Loop{
		opts:     opts,
		store:    ts,
		sor:      src,
		notifier: n,
		links:    links,
		clock:    clock,
		log:      log,
		order:    order,
		byIndex:  byIndex,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run ticks until ctx is cancelled. Pacing: max(cadence - elapsed, 1s).
// After MaxConsecutiveFailures failed ticks the loop cools off and resets
// the counter.
func (l *Loop) Run(ctx context.Context) error {
	cadence := time.Duration(l.opts.CadenceMinutes) * time.Minute
	for {
		start := l.now()
		err := l.Tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			l.failures++
			l.log.Warn("tick failed", zap.Error(err), zap.Int("consecutive", l.failures))
			if l.opts.MaxConsecutiveFailures > 0 && l.failures >= l.opts.MaxConsecutiveFailures {
				coolOff := time.Duration(l.opts.CoolOffMinutes) * time.Minute
				l.log.Error("too many consecutive failures, cooling off",
					zap.Int("failures", l.failures), zap.Duration("coolOff", coolOff))
				if !l.sleep(ctx, coolOff) {
					return ctx.Err()
				}
				l.failures = 0
			}
		} else {
			l.failures = 0
		}

		pause := cadence - l.now().Sub(start)
		if pause < time.Second {
			pause = time.Second
		}
		if !l.sleep(ctx, pause) {
			return ctx.Err()
		}
	}
}

// Tick processes one batch of due candidates sequentially. A candidate
// failure is logged and counted but does not abort the remaining
// candidates; the first error is returned for the safety valve.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now().UTC()
	candidates, err := l.store.DueCandidates(ctx, now, l.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch candidates: %w", err)
	}

	var firstErr error
	for _, t := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.processCandidate(ctx, t); err != nil {
			l.log.Warn("candidate failed",
				zap.Int64("taskId", t.TaskID), zap.String("spItemId", t.SpItemID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Loop) processCandidate(ctx context.Context, t *store.Task) error {
	now := l.now().UTC()

	if t.SpItemID == "" {
		// Reserved but never linked; nothing to confirm against.
		l.log.Info("skipping unlinked candidate", zap.Int64("taskId", t.TaskID))
		return nil
	}

	// Confirm against the source of truth.
	state, err := l.sor.GetStatusAndDueUtc(ctx, t.SpItemID)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", t.SpItemID, err)
	}
	if state == nil {
		l.log.Info("item gone from system of record, retiring candidate",
			zap.Int64("taskId", t.TaskID), zap.String("spItemId", t.SpItemID))
		return l.store.MirrorGone(ctx, t.TaskID)
	}
	if state.Completed() {
		l.log.Info("task completed at source, retiring candidate", zap.Int64("taskId", t.TaskID))
		return l.store.MirrorStatus(ctx, t.TaskID, state.Status)
	}
	if state.DueDateUtc != nil && state.DueDateUtc.After(now) {
		// The source's clock is authoritative.
		l.log.Info("task not due yet at source", zap.Int64("taskId", t.TaskID), zap.Time("dueUtc", *state.DueDateUtc))
		return nil
	}

	// Sequential gate.
	if t.CategoryKey != "" {
		blocked, err := l.gateBlocked(ctx, t)
		if err != nil {
			return fmt.Errorf("sequential gate: %w", err)
		}
		if blocked {
			l.log.Info("predecessor group incomplete, holding chaser",
				zap.Int64("taskId", t.TaskID), zap.String("category", t.CategoryKey))
			return nil
		}
	}

	// Business window.
	if !l.clock.IsWithinWindow(t.Region, l.opts.WindowStartHourLocal, l.opts.WindowEndHourLocal, l.opts.WindowCushionHours, now) {
		next := l.clock.NextBusinessDayAtHourUtc(t.Region, l.opts.SendHourLocal, now)
		l.log.Info("outside business window, rescheduling",
			zap.Int64("taskId", t.TaskID), zap.String("region", t.Region), zap.Time("next", next))
		if err := l.sor.UpdateChaserFields(ctx, t.SpItemID, true, false, next); err != nil {
			return fmt.Errorf("reschedule write-through: %w", err)
		}
		return l.store.MirrorNextChase(ctx, t.TaskID, next)
	}

	// Rotate the ack link. The new version invalidates every prior link.
	newVersion := t.AckVersion
	if newVersion < 0 {
		newVersion = 0
	}
	newVersion++
	expires := now.Add(time.Duration(l.opts.ChaserTtlHours) * time.Hour)

	link, err := l.links.Build(ctx, acklink.LinkParams{
		TaskID:    t.TaskID,
		Version:   newVersion,
		ExpiresAt: expires,
		Region:    t.Region,
		Anchor:    t.AnchorDateType,
	})
	if err != nil {
		return fmt.Errorf("build ack link: %w", err)
	}

	// Post. On failure nothing is persisted; the next tick reposts.
	rootID, msgID, err := l.notifier.PostChaser(ctx, notify.Message{
		TeamID:        t.TeamID,
		ChannelID:     t.ChannelID,
		RootMessageID: t.RootMessageID,
		HTML:          overdueBody(t.TaskName, state.DueDateUtc, link),
	})
	if err != nil {
		return fmt.Errorf("post chaser: %w", err)
	}
	if rootID != t.RootMessageID || msgID != t.LastMessageID {
		if err := l.store.MirrorThread(ctx, t.TaskID, rootID, msgID, t.CategoryKey, t.StartOffsetDays); err != nil {
			return fmt.Errorf("mirror thread: %w", err)
		}
	}

	// Write-through, then mirror. A crash in between is healed on the next
	// tick by re-confirming against the source of record.
	next := l.clock.NextBusinessDayAtHourUtc(t.Region, l.opts.SendHourLocal, now)
	if err := l.sor.UpdateChaserFields(ctx, t.SpItemID, true, true, next); err != nil {
		return fmt.Errorf("chase write-through: %w", err)
	}
	if err := l.store.MirrorChase(ctx, t.TaskID, newVersion, expires, now, next); err != nil {
		return fmt.Errorf("mirror chase: %w", err)
	}

	l.log.Info("chaser posted",
		zap.Int64("taskId", t.TaskID), zap.Int("ackVersion", newVersion),
		zap.Time("nextChaseUtc", next))
	return nil
}

// gateBlocked reports whether the task's predecessor category, within the
// same (customer, anchor, offset) group, still has unfinished tasks.
func (l *Loop) gateBlocked(ctx context.Context, t *store.Task) (bool, error) {
	idx, ok := l.order[workflow.CategoryAnchor{Category: t.CategoryKey, Anchor: t.AnchorDateType}]
	if !ok || idx == 0 {
		return false, nil
	}

	// Nearest earlier template entry with the same anchor.
	var pred string
	for i := idx - 1; i >= 0; i-- {
		if l.byIndex[i].Anchor == t.AnchorDateType {
			pred = l.byIndex[i].Category
			break
		}
	}
	if pred == "" {
		return false, nil
	}

	group, err := l.store.GroupStatus(ctx, t.CustomerID, pred, t.AnchorDateType, t.StartOffsetDays)
	if err != nil {
		return false, err
	}
	for _, g := range group {
		if !g.Completed() {
			return true, nil
		}
	}
	return false, nil
}

func overdueBody(taskName string, dueUtc *time.Time, ackURL string) string {
	due := "unknown"
	if dueUtc != nil {
		due = dueUtc.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	}
	return fmt.Sprintf(
		"<p><b>Reminder:</b> the task <b>%s</b> is overdue (originally due %s).</p>"+
			"<p>If this is done, please <a href=\"%s\">acknowledge completion</a>.</p>",
		html.EscapeString(taskName), due, ackURL)
}
