package client

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/peers"
)

var peersArgs struct {
	refresh bool
}

var PeersCmd = &cli.Subcommand{
	Use:   "peers",
	Short: "list known peers and their penalization",
	SetupFlags: func(f *pflag.FlagSet) {
		f.BoolVar(&peersArgs.refresh, "refresh", true, "discover peers before listing")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		log, err := setupLogging(subcommand)
		if err != nil {
			return err
		}
		c, err := newClient(subcommand, log)
		if err != nil {
			return err
		}
		defer c.Close()
		if peersArgs.refresh {
			if err := c.RefreshPeers(ctx); err != nil {
				return err
			}
		}
		return printPeers(c.Peers(), time.Now())
	},
}

func printPeers(statuses []peers.Status, now time.Time) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSECURE\tSTATUS")
	for _, s := range statuses {
		status := "ok"
		if s.Penalized {
			status = fmt.Sprintf("penalized for %s", s.PenalizedUntil.Sub(now).Round(time.Millisecond))
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", s.Addr(), s.Secure, status)
	}
	return w.Flush()
}
