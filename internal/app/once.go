package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// Once runs a single update and action cycle, then prints the lifecycle
// summary of the reconciled view.
func (a *App) Once(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	rt, err := a.newRuntime(ctx, store)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.keeper.RunCycle(ctx); err != nil {
		return err
	}

	summary, err := rt.state.Summarize()
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Stage\tCount")
	fmt.Fprintf(writer, "unproposed\t%d\n", summary.Unproposed)
	fmt.Fprintf(writer, "proposed\t%d\n", summary.Proposed)
	fmt.Fprintf(writer, "settleable proposals\t%d\n", summary.SettleableProposals)
	fmt.Fprintf(writer, "disputed\t%d\n", summary.Disputed)
	fmt.Fprintf(writer, "settleable disputes\t%d\n", summary.SettleableDisputes)
	fmt.Fprintf(writer, "settled\t%d\n", summary.Settled)
	return writer.Flush()
}
