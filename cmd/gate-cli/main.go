package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"riskgate/internal/domain"
	"riskgate/pkg/riskgate"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", envOr("RISKGATE_ADDR", "http://127.0.0.1:8080"), "risk-gate server URL")
	asJSON := flag.Bool("json", false, "print raw JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gate-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status                  Show circuit breaker status\n")
		fmt.Fprintf(os.Stderr, "  history [limit]         List breaker trigger events\n")
		fmt.Fprintf(os.Stderr, "  halt <reason>           Halt trading\n")
		fmt.Fprintf(os.Stderr, "  resume                  Resume after a manual halt\n")
		fmt.Fprintf(os.Stderr, "  exposure                Show sector and correlation exposure\n")
		fmt.Fprintf(os.Stderr, "  size <sym> <entry> <stop>  Size a prospective entry\n")
		fmt.Fprintf(os.Stderr, "  order <sym> <long|short> <entry> <stop>  Submit a gated entry\n")
		fmt.Fprintf(os.Stderr, "  close <sym>             Flatten a position and record its P&L\n")
		fmt.Fprintf(os.Stderr, "  trade <sym> <pnl>       Record a trade closed elsewhere\n")
		fmt.Fprintf(os.Stderr, "  daily                   Show realized P&L against the daily limit\n")
		fmt.Fprintf(os.Stderr, "  runs [limit]            List walk-forward runs\n")
		fmt.Fprintf(os.Stderr, "  params                  List adopted parameters\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	c := riskgate.NewClient(*addr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		out any
		err error
	)
	switch args[0] {
	case "version":
		fmt.Printf("gate-cli %s\n", version)
		return

	case "status":
		out, err = c.Breaker(ctx)

	case "history":
		out, err = c.BreakerHistory(ctx, intArg(args, 1, 20))

	case "halt":
		if len(args) < 2 {
			fatalf("halt needs a reason")
		}
		out, err = c.Halt(ctx, strings.Join(args[1:], " "))

	case "resume":
		out, err = c.Resume(ctx)

	case "exposure":
		out, err = c.Exposure(ctx)

	case "size":
		if len(args) < 4 {
			fatalf("size needs <symbol> <entry> <stop>")
		}
		out, err = c.Size(ctx, riskgate.SizeRequest{
			Symbol:     args[1],
			EntryPrice: floatArg(args[2]),
			StopPrice:  floatArg(args[3]),
		})

	case "order":
		if len(args) < 5 {
			fatalf("order needs <symbol> <long|short> <entry> <stop>")
		}
		out, err = c.SubmitEntry(ctx, riskgate.EntryRequest{
			Symbol:     args[1],
			Side:       domain.Side(strings.ToLower(args[2])),
			EntryPrice: floatArg(args[3]),
			StopPrice:  floatArg(args[4]),
		})

	case "close":
		if len(args) < 2 {
			fatalf("close needs a symbol")
		}
		out, err = c.ClosePosition(ctx, args[1])

	case "trade":
		if len(args) < 3 {
			fatalf("trade needs <symbol> <pnl>")
		}
		out, err = c.RecordTrade(ctx, args[1], floatArg(args[2]))

	case "daily":
		out, err = c.Daily(ctx)

	case "runs":
		out, err = c.ListRuns(ctx, intArg(args, 1, 20))

	case "params":
		out, err = c.Params(ctx)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%s: %v", args[0], err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	render(out)
}

func render(out any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch v := out.(type) {
	case *riskgate.Status:
		fmt.Fprintf(w, "state\t%s\n", v.State)
		fmt.Fprintf(w, "can trade\t%v (size x%.2f)\n", v.CanTrade, v.PositionSizeMultiplier)
		if v.TriggerType != "" {
			fmt.Fprintf(w, "trigger\t%s: %s\n", v.TriggerType, v.TriggerMessage)
		}
		if !v.CooldownUntil.IsZero() {
			fmt.Fprintf(w, "cooldown until\t%s\n", v.CooldownUntil.Local().Format(time.DateTime))
		}
		fmt.Fprintf(w, "equity\t%.2f\n", v.CurrentEquity)
		fmt.Fprintf(w, "drawdown d/w/t\t%.2f%% / %.2f%% / %.2f%%\n", v.DailyDrawdown*100, v.WeeklyDrawdown*100, v.TotalDrawdown*100)
		fmt.Fprintf(w, "consecutive losses\t%d\n", v.ConsecutiveLosses)

	case []riskgate.TriggerEvent:
		fmt.Fprintln(w, "AT\tTYPE\tEQUITY\tDRAWDOWN\tLIQUIDATED\tMESSAGE")
		for _, e := range v {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f%%\t%v\t%s\n", e.At.Local().Format(time.DateTime),
				e.Type, e.Equity, e.Drawdown*100, e.Liquidated, e.Message)
		}

	case *riskgate.Exposure:
		fmt.Fprintf(w, "equity\t%.2f (%d positions)\n\n", v.Equity, v.Positions)
		fmt.Fprintln(w, "SECTOR\tCOUNT\tVALUE\tPCT")
		for _, g := range v.Sectors {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f%%\n", g.Group, g.Count, g.Value, g.Pct*100)
		}
		fmt.Fprintln(w, "\nGROUP\tCOUNT\tVALUE\tPCT")
		for _, g := range v.Correlation {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f%%\n", g.Group, g.Count, g.Value, g.Pct*100)
		}

	case *riskgate.SizeResponse:
		fmt.Fprintf(w, "%s\t%d shares (%.2f)\n", v.Symbol, v.Size.Shares, v.Size.PositionValue)
		fmt.Fprintf(w, "risk\t%.2f (%.4f per share)\n", v.Size.DollarRisk, v.Size.RiskPerUnit)
		fmt.Fprintf(w, "limited by\t%s\n", v.Size.LimitedBy)
		fmt.Fprintf(w, "breaker multiplier\t%.2f\n", v.Multiplier)
		fmt.Fprintf(w, "exposure\t%v %s\n", v.Exposure.Allowed, v.Exposure.Reason)

	case *riskgate.EntryResult:
		fmt.Fprintf(w, "order\t%s %s %.0f %s (%s)\n", v.Order.ID, v.Order.Side, v.Order.Qty, v.Order.Symbol, v.Order.Status)
		if v.Order.FilledAvgPrice > 0 {
			fmt.Fprintf(w, "filled at\t%.4f\n", v.Order.FilledAvgPrice)
		}
		fmt.Fprintf(w, "limited by\t%s\n", v.Size.LimitedBy)

	case *riskgate.CloseResult:
		fmt.Fprintf(w, "order\t%s %s %.0f %s (%s)\n", v.Order.ID, v.Order.Side, v.Order.Qty, v.Order.Symbol, v.Order.Status)
		if v.Recorded {
			fmt.Fprintf(w, "realized\t%.2f\n", v.PnL)
			fmt.Fprintf(w, "breaker\t%s (%d consecutive losses)\n", v.Status.State, v.Status.ConsecutiveLosses)
		}

	case *riskgate.Daily:
		fmt.Fprintf(w, "day\t%s\n", v.Day)
		fmt.Fprintf(w, "start equity\t%.2f\n", v.StartEquity)
		fmt.Fprintf(w, "realized\t%.2f of -%.2f\n", v.Realized, v.Limit)
		fmt.Fprintf(w, "blocked\t%v\n", v.Blocked)

	case []riskgate.RunSummary:
		fmt.Fprintln(w, "ID\tCREATED\tSTRATEGY\tSYMBOL\tROBUSTNESS\tEFFICIENCY\tOOS SHARPE\tTRADES")
		for _, r := range v {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.2f\t%.3f\t%d\n", r.ID, r.CreatedAt.Local().Format(time.DateTime),
				r.Strategy, r.Symbol, r.RobustnessScore, r.Efficiency, r.OutOfSampleSharpe, r.TotalTrades)
		}

	case []riskgate.Adopted:
		fmt.Fprintln(w, "KEY\tROBUSTNESS\tADOPTED\tPARAMS")
		for _, a := range v {
			fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\n", a.Key(), a.RobustnessScore, a.AdoptedAt.Local().Format(time.DateTime), a.Params)
		}
	}
}

func intArg(args []string, i, def int) int {
	if len(args) <= i {
		return def
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		fatalf("invalid number %q", args[i])
	}
	return n
}

func floatArg(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		fatalf("invalid price %q", s)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gate-cli: "+format+"\n", args...)
	os.Exit(1)
}
