package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liberum-neto/liberum/api"
	"github.com/liberum-neto/liberum/client"
)

type cliApp struct {
	viper *viper.Viper
}

func (a *cliApp) connect() (*client.Client, error) {
	return client.New(socketPath(a.viper))
}

func (a *cliApp) newNodeCmd() *cobra.Command {
	var seed uint64
	cmd := &cobra.Command{
		Use:   "new-node <name>",
		Short: "Create a named node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			var seedPtr *uint64
			if cmd.Flags().Changed("seed") {
				seedPtr = &seed
			}
			return c.NewNode(cmd.Context(), args[0], seedPtr)
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "deterministic identity seed")
	return cmd
}

func (a *cliApp) configNodeCmd() *cobra.Command {
	var op, peerID, addr string
	cmd := &cobra.Command{
		Use:   "config-node <name>",
		Short: "Mutate a node manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.ConfigNode(cmd.Context(), api.ConfigNodeRequest{
				Name:   args[0],
				Op:     op,
				PeerID: peerID,
				Addr:   addr,
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation: add_bootstrap, remove_bootstrap, add_external_addr")
	cmd.Flags().StringVar(&peerID, "peer", "", "bootstrap peer id")
	cmd.Flags().StringVar(&addr, "addr", "", "multiaddress")
	cmd.MarkFlagRequired("op")
	return cmd
}

func (a *cliApp) startNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-node <name>",
		Short: "Start a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.StartNode(cmd.Context(), args[0])
		},
	}
}

func (a *cliApp) stopNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-node <name>",
		Short: "Stop a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.StopNode(cmd.Context(), args[0])
		},
	}
}

func (a *cliApp) deleteNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-node <name>",
		Short: "Destroy a stopped node's manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeleteNode(cmd.Context(), args[0])
		},
	}
}

func (a *cliApp) listNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-nodes",
		Short: "List every known node with its running state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			entries, err := c.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			for _, entry := range entries {
				state := "stopped"
				if entry.Running {
					state = "running"
				}
				fmt.Printf("%s\t%s\n", entry.Name, state)
			}
			return nil
		},
	}
}

func (a *cliApp) getPeerIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-peer-id <name>",
		Short: "Print a node's peer ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			id, err := c.GetPeerID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func (a *cliApp) dialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <name> <peer-id> <multiaddr>",
		Short: "Connect a node directly to a peer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Dial(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func (a *cliApp) publishFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish-file <name> <path>",
		Short: "Publish a file's bytes and print the fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			fp, err := c.PublishFile(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			fmt.Println(fp)
			fmt.Fprintf(os.Stderr, "published %s\n", humanize.IBytes(uint64(len(data))))
			return nil
		},
	}
}

func (a *cliApp) downloadFileCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download-file <name> <fingerprint>",
		Short: "Download an object; bytes go to stdout or --output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			data, err := c.DownloadFile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if output != "" {
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s to %s\n", humanize.IBytes(uint64(len(data))), output)
				return nil
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the object to a file instead of stdout")
	return cmd
}

func (a *cliApp) getProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-providers <name> <fingerprint>",
		Short: "Print the provider peer IDs for a fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			providers, err := c.GetProviders(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for _, p := range providers {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func (a *cliApp) deleteObjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-object <name> <fingerprint>",
		Short: "Delete an object locally and on every remote provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect()
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.DeleteObject(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("deleted_myself=%t successful=%d failed=%d\n", res.DeletedMyself, res.Successful, res.Failed)
			return nil
		},
	}
}
