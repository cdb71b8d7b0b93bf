// Package reconcile converges two independently written state stores by
// last-write-wins. For every key the record with the strictly newer
// modification time is copied to the other store; equal times are left
// alone so the stores never oscillate.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/store"
)

var ErrReconciliationWrite = errors.New("reconciliation write failed")

const DefaultInterval = 5 * time.Minute

// Record is a row that can be reconciled.
type Record interface {
	RecordKey() string
	Modified() int64
}

// Table is one store's view of a record kind.
type Table[T Record] struct {
	List   func(ctx context.Context) ([]T, error)
	Upsert func(ctx context.Context, rec T) error
}

// Report counts what one pass did for one record kind.
type Report struct {
	Kind    string `json:"kind"`
	Copied  int    `json:"copied"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

func index[T Record](rows []T) map[string]T {
	m := make(map[string]T, len(rows))
	for _, r := range rows {
		m[r.RecordKey()] = r
	}
	return m
}

// Merge reconciles one record kind between a and b. A failed copy is
// logged and counted; the pass continues with the next key.
func Merge[T Record](ctx context.Context, kind string, a, b Table[T]) (Report, error) {
	rep := Report{Kind: kind}
	left, err := a.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list %s from primary: %w", kind, err)
	}
	right, err := b.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list %s from replica: %w", kind, err)
	}
	li, ri := index(left), index(right)

	copyTo := func(dst Table[T], rec T, side string) {
		if err := dst.Upsert(ctx, rec); err != nil {
			rep.Failed++
			log.Warn().Err(fmt.Errorf("%w: %w", ErrReconciliationWrite, err)).
				Str("kind", kind).Str("key", rec.RecordKey()).Str("target", side).
				Msg("reconciliation copy failed, retrying next pass")
			return
		}
		rep.Copied++
	}

	for key, l := range li {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		r, ok := ri[key]
		switch {
		case !ok || l.Modified() > r.Modified():
			copyTo(b, l, "replica")
		case r.Modified() > l.Modified():
			copyTo(a, r, "primary")
		default:
			rep.Skipped++
		}
	}
	for key, r := range ri {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, ok := li[key]; !ok {
			copyTo(a, r, "primary")
		}
	}
	return rep, nil
}

// Store is the surface of a state store taking part in reconciliation.
type Store interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	UpsertSession(ctx context.Context, s store.Session) error
	ListFiles(ctx context.Context) ([]store.File, error)
	UpsertFile(ctx context.Context, f store.File) error
}

func sessions(s Store) Table[store.Session] {
	return Table[store.Session]{List: s.ListSessions, Upsert: s.UpsertSession}
}

func files(s Store) Table[store.File] {
	return Table[store.File]{List: s.ListFiles, Upsert: s.UpsertFile}
}

// Recorder receives per-pass counts.
type Recorder interface {
	Reconciled(r Report)
}

type Option func(*Reconciler)

func WithRecorder(rec Recorder) Option { return func(r *Reconciler) { r.metrics = rec } }

type Reconciler struct {
	primary  Store
	replica  Store
	interval time.Duration
	metrics  Recorder
}

func New(primary, replica Store, interval time.Duration, opts ...Option) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reconciler{primary: primary, replica: replica, interval: interval}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce reconciles sessions and then file metadata. A kind whose listing
// fails is reported in the returned error and does not stop the other kind.
func (r *Reconciler) RunOnce(ctx context.Context) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	steps := []func() (Report, error){
		func() (Report, error) { return Merge(ctx, "sessions", sessions(r.primary), sessions(r.replica)) },
		func() (Report, error) { return Merge(ctx, "files", files(r.primary), files(r.replica)) },
	}
	for _, step := range steps {
		rep, err := step()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
		if r.metrics != nil {
			r.metrics.Reconciled(rep)
		}
		log.Info().Str("kind", rep.Kind).Int("copied", rep.Copied).
			Int("skipped", rep.Skipped).Int("failed", rep.Failed).Msg("reconciliation pass")
	}
	return reports, errors.Join(errs...)
}

// Run reconciles immediately and then once per interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("reconciliation failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}
