package broadcast

import (
	"context"
	"slices"

	"github.com/pscheid92/serialbridge/internal/domain"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds the reverse lookups of one roster.
const maxConcurrentLookups = 16

// BuildRoster resolves every distinct address to a host name and returns the
// sorted, deduplicated names. Lookups run concurrently so one slow address
// cannot use up ctx for the others. The result is never nil so it encodes as
// an empty list.
func BuildRoster(ctx context.Context, resolver domain.AddressResolver, addresses []string) []string {
	unique := slices.Compact(slices.Sorted(slices.Values(addresses)))
	names := make([]string, len(unique))

	var g errgroup.Group
	g.SetLimit(maxConcurrentLookups)
	for i, address := range unique {
		g.Go(func() error {
			names[i] = resolver.Resolve(ctx, address)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(names)
	return slices.Compact(names)
}
