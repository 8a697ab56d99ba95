package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"rsitrader/config"
	"rsitrader/internal/logger"
	"rsitrader/internal/model"
)

func newLookupCmd() *cobra.Command {
	var q model.InstrumentQuery
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Search the scrip master and print matching instruments with their index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOffline()
			if err != nil {
				return err
			}
			logger.Init("autotrader", logger.ParseLevel(cfg.LogLevel))

			store, svc, err := openInstruments(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := svc.Lookup(cmd.Context(), q)
			if err != nil {
				return err
			}
			renderInstruments(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.ExchangeSegment, "exchange", "NFO", "exchange segment (NSE, NFO)")
	f.StringVar(&q.InstrumentType, "type", "OPTIDX", "instrument type (FUTSTK, FUTIDX, OPTSTK, OPTIDX)")
	f.StringVar(&q.Symbol, "symbol", "", "underlying symbol")
	f.Int64Var(&q.StrikePrice, "strike", 0, "strike price in rupees (options)")
	f.StringVar(&q.OptionType, "option", "CE", "option side, CE or PE")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func renderInstruments(w io.Writer, rows []model.Instrument) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Index", "Token", "Symbol", "Name", "Expiry", "Strike", "Lot", "Type", "Exch"})
	table.SetAutoFormatHeaders(false)
	for i, r := range rows {
		table.Append([]string{
			strconv.Itoa(i),
			r.Token,
			r.Symbol,
			r.Name,
			r.Expiry,
			fmt.Sprintf("%.2f", r.Strike/100),
			strconv.FormatInt(r.LotSize, 10),
			r.InstrumentType,
			r.Exchange,
		})
	}
	table.Render()
}
