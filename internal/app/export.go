package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-keeper/internal/storage"
)

// Export renders the action history for one identifier as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Identifier == "" {
		return errors.New("--identifier must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	actions, err := store.ListActionsBetween(ctx, opts.Identifier, from, to)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		a.Logger.Info().Str("identifier", opts.Identifier).Msg("no actions found for export window")
		return nil
	}

	downsampled := downsampleActions(actions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(actions)).Int("exported", len(downsampled)).Msg("exporting actions")

	if opts.CSVPath != "" {
		if err := writeActionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeActionsPNG(opts.PNGPath, opts.Identifier, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleActions(actions []storage.ActionRecord, max int) []storage.ActionRecord {
	if max <= 0 || len(actions) <= max {
		return actions
	}

	result := make([]storage.ActionRecord, 0, max)
	step := float64(len(actions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(actions) {
			idx = len(actions) - 1
		}
		result = append(result, actions[idx])
	}
	return result
}

func writeActionsCSV(path string, actions []storage.ActionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "kind", "requester", "identifier", "request_time", "price", "tx_hash", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

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
			errMsg = *action.Error
		}
		record := []string{
			action.CreatedAt.UTC().Format(time.RFC3339),
			action.Kind,
			action.Requester,
			action.Identifier,
			time.Unix(action.RequestTime, 0).UTC().Format(time.RFC3339),
			price,
			txHash,
			action.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeActionsPNG(path, identifier string, actions []storage.ActionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(actions))
	prices := make([]float64, 0, len(actions))
	for _, action := range actions {
		if action.Price == nil {
			continue
		}
		x = append(x, action.CreatedAt)
		prices = append(prices, action.Price.InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("not enough priced actions to render a chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + identifier + ")",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Submitted price",
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
