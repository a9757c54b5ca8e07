package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/sitetosite"
)

var sendArgs struct {
	attrs map[string]string
}

var SendCmd = &cli.Subcommand{
	Use:     "send FILE...",
	Short:   "send files as packets in a single transaction",
	Example: "  s2s send --attr source=sensor1 data/*.csv",
	Args:    cobra.MinimumNArgs(1),
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringToStringVar(&sendArgs.attrs, "attr", nil, "additional attribute key=value for every packet")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		log, err := setupLogging(subcommand)
		if err != nil {
			return err
		}
		if err := serveMetrics(ctx, subcommand.Config().PrometheusListen(), log, sitetosite.PrometheusRegister); err != nil {
			return err
		}
		c, err := newClient(subcommand, log)
		if err != nil {
			return err
		}
		defer c.Close()

		tx, err := c.CreateTransaction(ctx, sitetosite.Send)
		if err != nil {
			return err
		}
		for _, path := range args {
			if err := sendFile(tx, path, sendArgs.attrs); err != nil {
				if !tx.State().IsTerminal() {
					if cerr := tx.Cancel(err.Error()); cerr != nil {
						log.WithError(cerr).Warn("cannot cancel transaction")
					}
				}
				return err
			}
		}
		if err := tx.Confirm(); err != nil {
			return err
		}
		if err := tx.Complete(false); err != nil {
			return err
		}
		fmt.Printf("sent %d file(s) to %s in transaction %s\n", len(args), tx.Peer(), tx.ID())
		return nil
	},
}

// FileAttributes returns the packet attributes for the file at path.
// extra overrides the defaults.
func FileAttributes(path string, size int64, extra map[string]string) map[string]string {
	attrs := map[string]string{
		"filename": filepath.Base(path),
		"path":     filepath.Dir(path),
		"size":     strconv.FormatInt(size, 10),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

func sendFile(tx *sitetosite.Transaction, path string, extra map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", path)
	}
	p := sitetosite.NewStreamingDataPacket(FileAttributes(path, fi.Size(), extra), f, fi.Size())
	return errors.Wrapf(tx.Send(p), "send %s", path)
}
