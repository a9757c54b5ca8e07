package client

import (
	"context"
	"fmt"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/version"
)

var VersionCmd = &cli.Subcommand{
	Use:             "version",
	Short:           "print version of s2s binary",
	NoRequireConfig: true,
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		fmt.Println(version.NewVersionInformation().String())
		return nil
	},
}
