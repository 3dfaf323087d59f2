package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent keeper actions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show actions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	actions, err := store.ListRecentActions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountActions(ctx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(os.Stdout, "no actions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tIdentifier\tRequest Time\tPrice\tStatus\tTx\tError")

	for _, action := range actions {
		price := ""
		if action.Price != nil {
			price = action.Price.String()
		}
		txHash := ""
		if action.TxHash != nil {
			txHash = *action.TxHash
		}
		errMsg := ""
		if action.Error != nil {
			errMsg = sanitizeInline(*action.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			action.CreatedAt.UTC().Format(time.RFC3339),
			action.Kind,
			action.Identifier,
			action.RequestTime,
			price,
			action.Status,
			txHash,
			errMsg,
		)
	}

	writer.Flush()
	fmt.Fprintf(os.Stdout, "showing %d of %d recorded actions\n", len(actions), total)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
