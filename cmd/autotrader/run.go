package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rsitrader/config"
	"rsitrader/internal/logger"
	"rsitrader/internal/model"
	"rsitrader/internal/runner"
)

func newRunCmd() *cobra.Command {
	var (
		index int
		q     model.InstrumentQuery
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one RSI round trip and print the result",
		Long: "Resolves the instrument, then trades it until the SELL leg fills,\n" +
			"the run is interrupted, or a precondition fails. Exits non-zero unless\n" +
			"the run completes successfully.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Init("autotrader", logger.ParseLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.startBackground(ctx)

			query := a.defaultQuery()
			flags := cmd.Flags()
			if flags.Changed("exchange") {
				query.ExchangeSegment = q.ExchangeSegment
			}
			if flags.Changed("type") {
				query.InstrumentType = q.InstrumentType
			}
			if flags.Changed("symbol") {
				query.Symbol = q.Symbol
			}
			if flags.Changed("strike") {
				query.StrikePrice = q.StrikePrice
			}
			if flags.Changed("option") {
				query.OptionType = q.OptionType
			}

			res := a.runner.Start(ctx, runner.Request{Query: query, Index: index})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("%s", res.Message)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&index, "index", 0, "row of the matched instruments to trade")
	f.StringVar(&q.ExchangeSegment, "exchange", "", "exchange segment (NSE, NFO); default from DEFAULT_EXCHANGE")
	f.StringVar(&q.InstrumentType, "type", "", "instrument type (FUTSTK, FUTIDX, OPTSTK, OPTIDX)")
	f.StringVar(&q.Symbol, "symbol", "", "underlying symbol")
	f.Int64Var(&q.StrikePrice, "strike", 0, "strike price in rupees (options)")
	f.StringVar(&q.OptionType, "option", "", "option side, CE or PE")
	return cmd
}
