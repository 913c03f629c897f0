package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/golang/glog"

	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/projectstore"
)

// Hydrate seeds an empty document from the project store, or with the default
// template when the store has no files for the room. It returns the update
// that seeded the document, nil when the document already had files.
//
// Hydrate runs before any replica joins the room, so default content can never
// race content arriving from the store. When the store cannot be reached
// nothing is seeded; the next creation of the room tries again.
func (r *Reconciler) Hydrate(ctx context.Context, room string, doc *crdt.Doc) ([]byte, error) {
	if !doc.Empty() {
		return nil, nil
	}
	files, source, err := r.fetch(ctx, room)
	if err != nil {
		metrics.Hydrations.WithLabelValues(metrics.Error).Inc()
		return nil, &ReconciliationError{Op: "hydrate", Room: room, Err: err}
	}
	metrics.Hydrations.WithLabelValues(source).Inc()

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var seeded crdt.Update
	for _, p := range paths {
		u, err := doc.CreateFile(p, files[p])
		if err != nil {
			glog.Warningf("[reconcile]hydrate %s: skipping %s: %s\n", room, p, err)
		}
		seeded = seeded.Append(u)
	}
	glog.Infof("[reconcile]hydrated %s from %s (%d files)\n", room, source, len(doc.Files()))
	if seeded.Empty() {
		return nil, nil
	}
	return seeded.Encode(), nil
}

func (r *Reconciler) fetch(ctx context.Context, room string) (map[string]string, string, error) {
	p, err := r.store.Get(ctx, room)
	switch {
	case errors.Is(err, projectstore.ErrNotFound):
		return DefaultTemplate(), "template", nil
	case err != nil:
		return nil, "", err
	case len(p.Files) == 0:
		glog.V(1).Infof("[reconcile]%s has no files, using template\n", room)
		return DefaultTemplate(), "template", nil
	}
	return p.Files, "store", nil
}
