package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"bztree/bztree"
	"bztree/cli"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	tree := bztree.New(bztree.WithLogger(logger))

	root := cli.New(tree)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
