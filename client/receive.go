package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/sitetosite"
)

var receiveArgs struct {
	out     string
	backoff bool
	once    bool
}

var ReceiveCmd = &cli.Subcommand{
	Use:   "receive",
	Short: "receive packets into a directory until the peer has no more data",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&receiveArgs.out, "out", ".", "directory to write received packets to")
		f.BoolVar(&receiveArgs.backoff, "backoff", false, "ask the peer to back off after the last transaction")
		f.BoolVar(&receiveArgs.once, "once", false, "run a single transaction only")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		log, err := setupLogging(subcommand)
		if err != nil {
			return err
		}
		if err := serveMetrics(ctx, subcommand.Config().PrometheusListen(), log, sitetosite.PrometheusRegister); err != nil {
			return err
		}
		if err := os.MkdirAll(receiveArgs.out, 0o755); err != nil {
			return err
		}
		c, err := newClient(subcommand, log)
		if err != nil {
			return err
		}
		defer c.Close()

		var total int
		for ctx.Err() == nil {
			n, err := receiveOnce(ctx, c, receiveArgs.out, log)
			total += n
			if err != nil {
				return err
			}
			if n == 0 || receiveArgs.once {
				break
			}
		}
		fmt.Printf("received %d packet(s) into %s\n", total, receiveArgs.out)
		return ctx.Err()
	},
}

// receiveOnce runs one RECEIVE transaction and returns the number of packets written.
// Backoff is requested only when the peer has run out of data.
func receiveOnce(ctx context.Context, c *sitetosite.Client, dir string, log logger.Logger) (n int, err error) {
	tx, err := c.CreateTransaction(ctx, sitetosite.Receive)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil && !tx.State().IsTerminal() {
			if cerr := tx.Cancel(err.Error()); cerr != nil {
				log.WithError(cerr).Warn("cannot cancel transaction")
			}
		}
	}()
	var written []string
	for {
		p, err := tx.Receive()
		if err != nil {
			return 0, err
		}
		if p == nil {
			break
		}
		path, err := writePacket(dir, OutputName(p.Attributes, tx.ID(), len(written)), p.Content)
		if err != nil {
			return 0, err
		}
		written = append(written, path)
	}
	if err := tx.Confirm(); err != nil {
		removeAll(written, log)
		return 0, err
	}
	if err := tx.Complete(receiveArgs.backoff && len(written) == 0); err != nil {
		// the peer may redeliver
		removeAll(written, log)
		return 0, err
	}
	return len(written), nil
}

// OutputName returns the file name for the seq-th packet of a transaction.
// The filename attribute is used if it names a plain file.
func OutputName(attrs map[string]string, txID string, seq int) string {
	name := filepath.Base(attrs["filename"])
	if name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `/\`) {
		name = ""
	}
	if name == "" {
		return fmt.Sprintf("%s-%d", txID, seq)
	}
	return fmt.Sprintf("%s-%d-%s", txID, seq, name)
}

func writePacket(dir, name string, content io.Reader) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, f.Close()
}

func removeAll(paths []string, log logger.Logger) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			log.WithError(err).WithField("path", p).Warn("cannot remove packet of failed transaction")
		}
	}
}
