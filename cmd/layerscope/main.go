package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	g := &globalOptions{}
	return &cli.Command{
		Name:  "layerscope",
		Usage: "Inspect GGUF model containers and step single decoder layers",
		Flags: globalFlags(g),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return g.setup(ctx, cmd)
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inspectCmd(g),
			statsCmd(g),
			stepCmd(g),
			diffCmd(g),
			versionCmd(g),
		},
	}
}
