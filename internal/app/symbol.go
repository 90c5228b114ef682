package app

import (
	"fmt"
	"text/tabwriter"

	"ohlcv-merge/internal/symbol"
)

// Symbol prints the canonical form of each input and its rendering in every provider style.
func (a *App) Symbol(inputs []string) error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	header := "Input\tCanonical"
	for _, style := range symbol.Styles {
		header += "\t" + string(style)
	}
	fmt.Fprintln(writer, header)

	var failed int
	for _, in := range inputs {
		canonical, err := symbol.Normalize(in, a.Config.Symbols.DefaultVenue)
		if err != nil {
			failed++
			fmt.Fprintf(writer, "%s\terror: %s\n", in, err)
			continue
		}
		line := in + "\t" + canonical
		for _, style := range symbol.Styles {
			rendered, err := symbol.Render(canonical, style)
			if err != nil {
				rendered = "-"
			}
			line += "\t" + rendered
		}
		fmt.Fprintln(writer, line)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d symbols could not be resolved", failed)
	}
	return nil
}
