package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

// Export renders outcome history as CSV and/or a PNG chart of admitted gas value.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	last := opts.Last
	if last <= 0 {
		last = 24 * time.Hour
	}
	from := to.Add(-last)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	return a.withService(ctx, func(svc *service.Service) error {
		outcomes, err := svc.OutcomesBetween(ctx, from, to)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			a.Logger.Info().Time("from", from).Time("to", to).Msg("no outcomes found for export window")
			return nil
		}

		if opts.CSVPath != "" {
			if err := writeOutcomesCSV(opts.CSVPath, outcomes); err != nil {
				return err
			}
			a.Logger.Info().Str("path", opts.CSVPath).Int("rows", len(outcomes)).Msg("csv written")
		}

		if opts.PNGPath != "" {
			points := downsamplePoints(cumulativeUSD(outcomes), opts.MaxPoints)
			if len(points) < 2 {
				a.Logger.Warn().Msg("not enough valued outcomes to chart")
				return nil
			}
			if err := writeUSDChart(opts.PNGPath, points); err != nil {
				return err
			}
			a.Logger.Info().Str("path", opts.PNGPath).Int("points", len(points)).Msg("chart written")
		}
		return nil
	})
}

// usdPoint is one sample of the admitted gas value series.
type usdPoint struct {
	At         time.Time
	Value      decimal.Decimal
	Cumulative decimal.Decimal
}

// cumulativeUSD folds valued outcomes into a running total in time order.
func cumulativeUSD(outcomes []gateway.Outcome) []usdPoint {
	points := make([]usdPoint, 0, len(outcomes))
	total := decimal.Zero
	for _, o := range outcomes {
		if o.USDValue == 0 {
			continue
		}
		value := gateway.USDDecimal(o.USDValue)
		total = total.Add(value)
		points = append(points, usdPoint{At: o.CreatedAt, Value: value, Cumulative: total})
	}
	return points
}

func downsamplePoints(points []usdPoint, max int) []usdPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]usdPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeOutcomesCSV(path string, outcomes []gateway.Outcome) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"created_at", "id", "tx_type", "sender", "recipient", "asset", "amount", "usd_value", "window_id", "payload_hash", "fund_recipient"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range outcomes {
		payloadHash := ""
		if len(o.Payload) > 0 {
			payloadHash = o.PayloadHash.Hex()
		}
		record := []string{
			o.CreatedAt.UTC().Format(time.RFC3339Nano),
			o.ID.String(),
			o.TxType.String(),
			o.Sender.Hex(),
			o.Recipient.Hex(),
			o.Asset.Hex(),
			strconv.FormatUint(o.Amount, 10),
			gateway.USDDecimal(o.USDValue).String(),
			strconv.FormatUint(o.WindowID, 10),
			payloadHash,
			o.Revert.FundRecipient.Hex(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeUSDChart(path string, points []usdPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	value := make([]float64, len(points))
	cumulative := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		value[i] = p.Value.InexactFloat64()
		cumulative[i] = p.Cumulative.InexactFloat64()
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "$%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gas deposit (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Gas deposit",
				XValues: x,
				YValues: value,
			},
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
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
