// Package report renders a backtest result as a standalone HTML page
// with equity and drawdown charts.
package report

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"perpsim/backtest"
)

const (
	chartWidth  = "1200px"
	chartHeight = "420px"
)

// WriteHTML renders the result's charts to a file.
func WriteHTML(path string, res backtest.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer f.Close()

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(equityChart(res), drawdownChart(res))

	if err := page.Render(f); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	return nil
}

func equityChart(res backtest.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s on %s", res.Strategy, res.Symbol),
			Subtitle: fmt.Sprintf("run %s  seed %d  return %.2f%%  sharpe %.2f",
				res.RunID, res.Seed, res.Metrics.TotalReturn*100, res.Metrics.Sharpe),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	x := make([]string, 0, len(res.Equity))
	equity := make([]opts.LineData, 0, len(res.Equity))
	balance := make([]opts.LineData, 0, len(res.Equity))
	for _, pt := range res.Equity {
		x = append(x, pt.Time.Format("2006-01-02 15:04"))
		equity = append(equity, opts.LineData{Value: pt.Equity})
		balance = append(balance, opts.LineData{Value: pt.Balance})
	}

	line.SetXAxis(x).
		AddSeries("Equity", equity).
		AddSeries("Balance", balance)
	return line
}

func drawdownChart(res backtest.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Drawdown",
			Subtitle: fmt.Sprintf("max %.2f%%", res.Metrics.MaxDrawdown*100),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(0.3)}),
	)

	x := make([]string, 0, len(res.Drawdowns))
	dd := make([]opts.LineData, 0, len(res.Drawdowns))
	for _, pt := range res.Drawdowns {
		x = append(x, pt.Time.Format("2006-01-02 15:04"))
		dd = append(dd, opts.LineData{Value: -pt.Drawdown * 100})
	}

	line.SetXAxis(x).AddSeries("Drawdown %", dd)
	return line
}
