package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "webview-rpc"
	app.Usage = "Serve and call RPC methods over a string-only bridge carried by WebSocket"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Value:   "info",
			Usage:   "the log level: debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "the TOML configuration `FILE` with an [rpc] table",
		},
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Accept bridge connections and serve the Echo methods",
			Action: serveCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "addr",
					Aliases: []string{"a"},
					Value:   ":8081",
					Usage:   "the HTTP address to listen on, bridges connect to /rpc",
				},
				&cli.StringSliceFlag{
					Name:  "etcd",
					Usage: "the etcd endpoints to publish methods to, in memory when empty",
				},
				&cli.StringFlag{
					Name:  "endpoint",
					Value: "webview",
					Usage: "the endpoint name methods are published under",
				},
				&cli.Float64Flag{
					Name:  "rate",
					Value: 100,
					Usage: "the requests per second each connection may issue",
				},
				&cli.IntFlag{
					Name:  "retries",
					Usage: "retry a rate-limited request up to `N` times before refusing it",
				},
				&cli.DurationFlag{
					Name:  "handler-timeout",
					Usage: "answer requests still running after this long with a timeout error, 0 to wait forever",
				},
			},
		},
		{
			Name:   "call",
			Usage:  "Call a method on a running server",
			Action: callCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "url",
					Aliases: []string{"u"},
					Value:   "ws://127.0.0.1:8081/rpc",
					Usage:   "the WebSocket URL of the server",
				},
				&cli.StringFlag{
					Name:    "method",
					Aliases: []string{"m"},
					Value:   "Echo.Echo",
					Usage:   "the fully qualified method name",
				},
				&cli.StringFlag{
					Name:    "data",
					Aliases: []string{"d"},
					Usage:   "the request payload",
				},
				&cli.IntFlag{
					Name:  "size",
					Usage: "send a generated payload of `N` bytes instead of --data",
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
