package count

import (
	"errors"
	"log/slog"

	"github.com/sanonone/relcount/pkg/metrics"
	"github.com/sanonone/relcount/pkg/store"
)

// Fallback asks the cache first and traverses when the cache cannot certify
// the answer.
type Fallback struct {
	cached *Cached
	naive  *Naive
	logger *slog.Logger
}

// NewFallback combines a cached and a naive counter.
func NewFallback(cached *Cached, naive *Naive, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{cached: cached, naive: naive, logger: logger}
}

func (f *Fallback) Count(r store.Reader, node string, q Query) (int64, error) {
	n, err := f.cached.Count(r, node, q)
	if !errors.Is(err, ErrUnableToCount) {
		return n, err
	}
	f.fellBack(node, q, "general")
	return f.naive.Count(r, node, q)
}

func (f *Fallback) CountLiterally(r store.Reader, node string, q Query) (int64, error) {
	n, err := f.cached.CountLiterally(r, node, q)
	if !errors.Is(err, ErrUnableToCount) {
		return n, err
	}
	f.fellBack(node, q, "literal")
	return f.naive.CountLiterally(r, node, q)
}

func (f *Fallback) fellBack(node string, q Query, kind string) {
	metrics.CountFallbacks.Inc()
	f.logger.Warn("Unable to count relationships from cache, falling back to traversal",
		"node", node, "query", q.String(), "kind", kind)
}

var (
	_ Counter = (*Cached)(nil)
	_ Counter = (*Naive)(nil)
	_ Counter = (*Fallback)(nil)
)
