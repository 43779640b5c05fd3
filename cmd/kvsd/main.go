// Command kvsd is the client CLI for talking to a kvsd-server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brineholt/kvsd/client"
)

const defaultAddr = "127.0.0.1:4000"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:          "kvsd",
		Short:        "kvsd client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "server address")

	root.AddCommand(
		newSetCmd(&addr),
		newGetCmd(&addr),
		newRmCmd(&addr),
	)
	return root
}

func newSetCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "set a key's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(*addr)
			if err := c.Set(args[0], args[1]); err != nil {
				return err
			}
			return nil
		},
	}
}

func newGetCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "get a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(*addr)
			val, found, err := c.Get(args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("Key not found")
				return nil
			}
			fmt.Println(val)
			return nil
		},
	}
}

func newRmCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(*addr)
			found, err := c.Remove(args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("Key not found")
				return fmt.Errorf("key not found")
			}
			return nil
		},
	}
}
