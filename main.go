// Command s2s is a site-to-site client and reference node.
package main

import (
	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/client"
)

func init() {
	cli.AddSubcommand(client.SendCmd)
	cli.AddSubcommand(client.ReceiveCmd)
	cli.AddSubcommand(client.PeersCmd)
	cli.AddSubcommand(client.ServeCmd)
	cli.AddSubcommand(client.ConfigcheckCmd)
	cli.AddSubcommand(client.VersionCmd)
}

func main() {
	cli.Run()
}
