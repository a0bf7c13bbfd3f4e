package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ves-rates/internal/app"
	"ves-rates/internal/storage"
)

var (
	showExchange string
	showPair     string

	historyExchange string
	historyPair     string
	historyDays     int
	historyInterval string

	statsDays int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := storage.RateFilter{
			ExchangeCode: strings.ToUpper(showExchange),
			CurrencyPair: strings.ToUpper(showPair),
		}
		return getApp().Show(cmd.Context(), filter)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display rate history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}
		interval := storage.Interval(strings.ToLower(historyInterval))
		if interval != storage.IntervalDaily && interval != storage.IntervalHourly {
			return fmt.Errorf("--interval must be hourly or daily")
		}

		opts := app.HistoryOptions{
			ExchangeCode: historyExchange,
			CurrencyPair: historyPair,
			Days:         historyDays,
			Interval:     interval,
		}
		return getApp().History(cmd.Context(), opts)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats EXCHANGE PAIR",
	Short: "Summarise buy prices of one market",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}
		pair := strings.Replace(args[1], "-", "/", 1)
		return getApp().Stats(cmd.Context(), args[0], pair, statsDays)
	},
}

func init() {
	showCmd.Flags().StringVar(&showExchange, "exchange", "", "Filter by exchange code")
	showCmd.Flags().StringVar(&showPair, "pair", "", "Filter by currency pair, e.g. USD/VES")

	historyCmd.Flags().StringVar(&historyExchange, "exchange", "", "Filter by exchange code")
	historyCmd.Flags().StringVar(&historyPair, "pair", "", "Filter by currency pair")
	historyCmd.Flags().IntVar(&historyDays, "days", 7, "Number of days to include")
	historyCmd.Flags().StringVar(&historyInterval, "interval", string(storage.IntervalDaily), "hourly or daily")

	statsCmd.Flags().IntVar(&statsDays, "days", 30, "Number of days to summarise")
}
