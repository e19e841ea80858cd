// cmd/backtest replays historical bars through a cold indicator engine to
// validate indicators without live market data.
//
// Usage:
//
//	backtest sqlite --db=data/bars.db --tf=60,300 --speed=100
//	backtest sqlite --token=2885 --tf=60
//	backtest csv bars.csv --tf=60 --indicators=ADX:14,RSI:14
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tastream/config"
	"tastream/internal/indengine"
	"tastream/internal/indicator"
	"tastream/internal/logger"
	"tastream/internal/marketdata/replay"
	"tastream/internal/model"
	redisstore "tastream/internal/store/redis"
	sqlitestore "tastream/internal/store/sqlite"

	"github.com/spf13/cobra"
)

type options struct {
	indicators string
	tfs        string
	logLevel   string
	every      int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "backtest",
		Short:         "Replay historical bars through the indicator engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := logger.ParseLevel(opts.logLevel)
			logger.InitTo(cmd.ErrOrStderr(), "backtest", level)
		},
	}
	root.PersistentFlags().StringVar(&opts.indicators, "indicators", indengine.DefaultIndicatorSpecs, "indicator specs: TYPE:PERIOD[:round],...")
	root.PersistentFlags().StringVar(&opts.tfs, "tf", "60,300", "comma-separated timeframes in seconds")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")
	root.PersistentFlags().IntVar(&opts.every, "every", 100, "print every Nth bar's ready results (first 10 are always printed)")

	root.AddCommand(newSQLiteCmd(opts), newCSVCmd(opts))
	return root
}

func newSQLiteCmd(opts *options) *cobra.Command {
	var (
		dbPath   string
		exchange string
		token    string
		fromTS   int64
		speed    float64
		publish  bool
	)
	cmd := &cobra.Command{
		Use:   "sqlite",
		Short: "Replay bars stored in SQLite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, tfs, err := buildEngine(opts)
			if err != nil {
				return err
			}
			reader, err := sqlitestore.NewReader(dbPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				pub   *publisher
				onBar func(model.Bar) error
			)
			if publish {
				if pub, err = newPublisher(ctx); err != nil {
					return err
				}
				defer pub.Close()
				onBar = pub.add
			}

			barCh := make(chan model.Bar, 10000)
			errCh := make(chan error, 1)
			go func() {
				errCh <- replay.New(reader).Only(exchange, token).Run(ctx, tfs, fromTS, speed, barCh)
				close(barCh)
			}()

			sum := run(cmd.OutOrStdout(), engine, barCh, opts.every, onBar)
			sum.print(cmd.OutOrStdout(), tfs)
			if err := pub.flush(); err != nil {
				return err
			}
			if err := <-errCh; err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.GetEnv("SQLITE_PATH", "data/bars.db"), "path to the SQLite database")
	cmd.Flags().StringVar(&exchange, "exchange", "NSE", "exchange of --token")
	cmd.Flags().StringVar(&token, "token", "", "replay only this instrument (empty = all)")
	cmd.Flags().Int64Var(&fromTS, "from", 0, "unix timestamp to start from (0 = all)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "playback speed (0 = max, 1 = realtime, 100 = 100x)")
	cmd.Flags().BoolVar(&publish, "publish", false, "also append the bars to their Redis streams (REDIS_ADDR) for a running indengine")
	return cmd
}

func newCSVCmd(opts *options) *cobra.Command {
	var exchange, token string
	cmd := &cobra.Command{
		Use:   "csv FILE",
		Short: "Replay ts,open,high,low,close[,volume] rows from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, tfs, err := buildEngine(opts)
			if err != nil {
				return err
			}
			if len(tfs) != 1 {
				return fmt.Errorf("csv replay takes exactly one --tf, got %v", tfs)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			bars, err := replay.ReadCSV(f, exchange, token, tfs[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			barCh := make(chan model.Bar, len(bars))
			if err := replay.Play(context.Background(), bars, 0, barCh); err != nil {
				return err
			}
			close(barCh)
			run(cmd.OutOrStdout(), engine, barCh, opts.every, nil).print(cmd.OutOrStdout(), tfs)
			return nil
		},
	}
	cmd.Flags().StringVar(&exchange, "exchange", "CSV", "exchange label for the bars")
	cmd.Flags().StringVar(&token, "token", "1", "token label for the bars")
	return cmd
}

func buildEngine(opts *options) (*indicator.Engine, []int, error) {
	tfs := config.ParseTFList(opts.tfs)
	if len(tfs) == 0 {
		return nil, nil, fmt.Errorf("no valid timeframes in %q", opts.tfs)
	}
	specs, err := indengine.ParseIndicatorSpecs(opts.indicators)
	if err != nil {
		return nil, nil, err
	}
	engine, err := indicator.NewRestorer(indengine.BuildIndicatorConfigs(tfs, specs)).RestoreFromSnap(nil)
	if err != nil {
		return nil, nil, err
	}
	return engine, tfs, nil
}

type summary struct {
	bars  int
	ready int
}

// run drains barCh through the engine and prints ready results for the
// first ten bars and every Nth bar after that. onBar, if set, sees every bar.
func run(w io.Writer, engine *indicator.Engine, barCh <-chan model.Bar, every int, onBar func(model.Bar) error) summary {
	var sum summary
	for bar := range barCh {
		if onBar != nil {
			if err := onBar(bar); err != nil {
				slog.Warn("bar publish failed", slog.String("error", err.Error()))
			}
		}
		results := engine.Process(bar)
		sum.bars++
		show := sum.bars <= 10 || (every > 0 && sum.bars%every == 0)
		for _, r := range results {
			if !r.Ready {
				continue
			}
			sum.ready++
			if show {
				fmt.Fprintf(w, "  [%s] %-10s TF=%ds %s:%s = %.4f\n",
					bar.TS.Format("2006-01-02 15:04:05"), r.Name, r.TF, r.Exchange, r.Token, r.Value)
			}
		}
	}
	return sum
}

// publisher appends replayed bars to Redis streams in batches.
type publisher struct {
	ctx     context.Context
	writer  *redisstore.Writer
	pending []model.Bar
}

const publishBatch = 500

func newPublisher(ctx context.Context) (*publisher, error) {
	infra := config.Load()
	w, err := redisstore.New(redisstore.Config{Addr: infra.RedisAddr, Password: infra.RedisPassword})
	if err != nil {
		return nil, err
	}
	return &publisher{ctx: ctx, writer: w}, nil
}

func (p *publisher) add(bar model.Bar) error {
	p.pending = append(p.pending, bar)
	if len(p.pending) < publishBatch {
		return nil
	}
	return p.flush()
}

// flush is a no-op on a nil publisher.
func (p *publisher) flush() error {
	if p == nil || len(p.pending) == 0 {
		return nil
	}
	err := p.writer.WriteBars(p.ctx, p.pending)
	p.pending = p.pending[:0]
	return err
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

func (s summary) print(w io.Writer, tfs []int) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "backtest complete")
	fmt.Fprintf(w, "  bars processed: %d\n", s.bars)
	fmt.Fprintf(w, "  ready results:  %d\n", s.ready)
	fmt.Fprintf(w, "  timeframes:     %v\n", tfs)
}
