package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/zrepl/sitetosite/cli"
	"github.com/zrepl/sitetosite/logger"
	"github.com/zrepl/sitetosite/logging"
)

var configcheckArgs struct {
	format string
	what   string
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "check if config can be parsed without errors",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&configcheckArgs.format, "format", "", "dump parsed config object [pretty|yaml|json]")
		f.StringVar(&configcheckArgs.what, "what", "all", "what to print [all|config|client|server|logging]")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		formatMap := map[string]func(interface{}){
			"": func(i interface{}) {},
			"pretty": func(i interface{}) {
				if _, err := pretty.Println(i); err != nil {
					panic(err)
				}
			},
			"json": func(i interface{}) {
				if err := json.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
			"yaml": func(i interface{}) {
				if err := yaml.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
		}

		formatter, ok := formatMap[configcheckArgs.format]
		if !ok {
			return fmt.Errorf("unsupported --format %q", configcheckArgs.format)
		}

		var hadErr bool
		conf := subcommand.Config()
		report := func(what string, err error) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			hadErr = true
		}

		// further: try to build the client
		var clientConf interface{}
		if conf.Client != nil {
			b, err := ClientBuilder(conf.Client, logger.NewNullLogger())
			if err == nil {
				clientConf, err = b.BuildConfig()
			}
			if err != nil {
				report("client", errors.Wrap(err, "cannot build client from config"))
			}
		}

		// further: try to build the server
		var serverConf interface{}
		if conf.Server != nil {
			sc, _, err := ServerConfig(conf.Server, logger.NewNullLogger())
			if err == nil && conf.Server.WebListen != "" {
				_, err = descriptor(conf.Server)
			}
			if err != nil {
				report("server", errors.Wrap(err, "cannot build server from config"))
			} else {
				serverConf = sc
			}
		}

		// further: try to build logging outlets
		outlets, err := logging.OutletsFromConfig(*conf.Logging)
		if err != nil {
			report("logging", errors.Wrap(err, "cannot build logging from config"))
			outlets = nil
		}

		whatMap := map[string]func(){
			"all": func() {
				o := struct {
					Config  interface{}
					Client  interface{}
					Server  interface{}
					Logging *logger.Outlets
				}{
					conf,
					clientConf,
					serverConf,
					outlets,
				}
				formatter(o)
			},
			"config": func() {
				formatter(conf)
			},
			"client": func() {
				formatter(clientConf)
			},
			"server": func() {
				formatter(serverConf)
			},
			"logging": func() {
				formatter(outlets)
			},
		}

		wf, ok := whatMap[configcheckArgs.what]
		if !ok {
			return fmt.Errorf("unsupported --what %q", configcheckArgs.what)
		}
		wf()

		if hadErr {
			return fmt.Errorf("config parsing failed")
		} else {
			return nil
		}
	},
}
