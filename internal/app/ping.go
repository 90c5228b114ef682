package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"ohlcv-merge/internal/fetcher"
)

// Ping checks every configured provider and prints one line per provider.
func (a *App) Ping(ctx context.Context) error {
	svc, err := a.newService(ctx, serviceDeps{noCache: true})
	if err != nil {
		return err
	}

	results := svc.Ping(ctx)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tStatus\tError")
	for _, name := range names {
		err := results[name]
		if errors.Is(err, fetcher.ErrPingUnsupported) {
			fmt.Fprintf(writer, "%s\tunknown\tno liveness check\n", name)
			continue
		}
		if err != nil {
			failed++
			fmt.Fprintf(writer, "%s\tdown\t%s\n", name, sanitizeInline(err.Error()))
			continue
		}
		fmt.Fprintf(writer, "%s\tok\t\n", name)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d providers unreachable", failed, len(names))
	}
	return nil
}
