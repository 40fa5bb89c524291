package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/logger"
	"github.com/newthinker/replay/internal/marketdata"
	"github.com/newthinker/replay/internal/progress"
	"github.com/newthinker/replay/internal/runner"
	"github.com/newthinker/replay/internal/symbol"
	"github.com/newthinker/replay/internal/task"
)

var (
	runData      string
	runExchange  string
	runSymbol    string
	runTimeframe string
	runCapital   string
	runPrecision string
	runTier      string
	runSeed      int64
)

var runCmd = &cobra.Command{
	Use:   "run [strategy-file]",
	Short: "Run a one-shot backtest from a CSV bar file",
	Long: `Run a strategy against bars loaded from a CSV file and print the result.
The CSV columns are: timestamp (RFC3339), open, high, low, close, volume.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runData, "data", "", "CSV bar file (required)")
	runCmd.Flags().StringVar(&runExchange, "exchange", "binance", "exchange name")
	runCmd.Flags().StringVar(&runSymbol, "symbol", "", "trading pair, e.g. BTC-USDT (required)")
	runCmd.Flags().StringVar(&runTimeframe, "timeframe", "1h", "bar timeframe")
	runCmd.Flags().StringVar(&runCapital, "capital", "10000", "initial capital")
	runCmd.Flags().StringVar(&runPrecision, "precision", "", "replay precision (defaults to the tier ceiling)")
	runCmd.Flags().StringVar(&runTier, "tier", "elite", "tier limits to apply")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "run seed (0 draws one)")

	runCmd.MarkFlagRequired("data")
	runCmd.MarkFlagRequired("symbol")

	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	log := logger.Must(debug)
	defer log.Sync()

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading strategy: %w", err)
	}

	capital, err := decimal.NewFromString(runCapital)
	if err != nil {
		return fmt.Errorf("invalid capital: %w", err)
	}

	bars, err := loadBarsCSV(runData)
	if err != nil {
		return fmt.Errorf("loading bars: %w", err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars in %s", runData)
	}

	pair, embedded, ok := symbol.NormalizePair(runSymbol)
	if !ok {
		return fmt.Errorf("unrecognized symbol %q", runSymbol)
	}
	product := embedded
	if product == "" {
		product = core.ProductSpot
	}

	store := marketdata.NewMemoryStore()
	store.Add(core.Series{
		Exchange:    runExchange,
		Symbol:      symbol.Canonical(runExchange, pair, product),
		Timeframe:   runTimeframe,
		ProductType: product,
	}, bars...)

	cfg := config.Defaults()
	cfg.Engine.Workers = 1

	tasks := task.NewStore(1, time.Hour)
	run := runner.New(runner.Options{
		Config:    cfg,
		Store:     store,
		Tasks:     tasks,
		Publisher: progress.NewPublisher(cfg.Engine.ProgressBuffer, log),
		Logger:    log,
	})
	run.Start()
	defer run.Stop()

	req := core.BacktestRequest{
		UserID:         "cli",
		Tier:           runTier,
		StrategyCode:   string(source),
		Exchange:       runExchange,
		Symbol:         runSymbol,
		Timeframe:      runTimeframe,
		ProductType:    product,
		InitialCapital: capital,
		Range: core.DateRange{
			Start: bars[0].Timestamp,
			End:   bars[len(bars)-1].Timestamp.Add(time.Nanosecond),
		},
		Precision: core.DataPrecision(runPrecision),
		Seed:      runSeed,
	}

	t, applied, err := run.Submit(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("=== Replay Backtest ===\n")
	fmt.Printf("Symbol:    %s\n", runSymbol)
	fmt.Printf("Bars:      %d\n", len(bars))
	fmt.Printf("Precision: %s\n", applied)

	for {
		got, err := tasks.Get(t.ID)
		if err != nil {
			return err
		}
		if got.Status.Terminal() {
			if got.Status != core.StatusCompleted {
				return fmt.Errorf("run %s: %v", got.Status, got.Error)
			}
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	payload, err := tasks.Result(t.ID)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

// loadBarsCSV reads bars from a CSV file with the columns
// timestamp,open,high,low,close,volume. A header row is skipped.
func loadBarsCSV(path string) ([]core.MarketBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	var bars []core.MarketBar
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: bad timestamp %q", line, rec[0])
		}

		var fields [5]decimal.Decimal
		for i := 0; i < 5; i++ {
			fields[i], err = decimal.NewFromString(rec[i+1])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q", line, rec[i+1])
			}
		}
		bars = append(bars, core.MarketBar{
			Timestamp: ts,
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return bars, nil
}
