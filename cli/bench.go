package cli

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-faker/faker/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bztree/bztree"
)

// newBenchCmd implements the stress harness called for by the spec's
// testable property 12 (post-quiescence state under N concurrent
// inserters): workers concurrent goroutines each Insert recordsPerWorker
// faker-generated keys, and the command reports how many succeeded versus
// collided on an already-used key.
func newBenchCmd(tree *bztree.BzTree) *cobra.Command {
	var workers, recordsPerWorker int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent insert stress test against the tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var inserted, collided int64
			g, _ := errgroup.WithContext(context.Background())
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < recordsPerWorker; i++ {
						key := []byte(faker.Word() + faker.Word())
						switch tree.Insert(key, uint64(i)) {
						case bztree.Ok:
							atomic.AddInt64(&inserted, 1)
						case bztree.KeyExists:
							atomic.AddInt64(&collided, 1)
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted=%d collided=%d\n", inserted, collided)
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 8, "Number of concurrent inserting goroutines.")
	cmd.Flags().IntVar(&recordsPerWorker, "records", 1000, "Keys each worker attempts to insert.")
	return cmd
}
