// Command liberum-cli drives a running liberum-core daemon over its control
// socket. Success payloads (fingerprints, file bytes, provider lists) go to
// stdout; error kinds go to stderr with a non-zero exit code.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	liberum "github.com/liberum-neto/liberum"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LIBERUM")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "liberum-cli",
		Short:         "Control a running liberum-core daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("socket", "", "control socket path (default /tmp/liberum-core/core.sock)")
	if err := v.BindPFlag("socket", cmd.PersistentFlags().Lookup("socket")); err != nil {
		panic(err)
	}

	app := &cliApp{viper: v}
	cmd.AddCommand(
		app.newNodeCmd(),
		app.configNodeCmd(),
		app.startNodeCmd(),
		app.stopNodeCmd(),
		app.listNodesCmd(),
		app.getPeerIDCmd(),
		app.dialCmd(),
		app.publishFileCmd(),
		app.downloadFileCmd(),
		app.getProvidersCmd(),
		app.deleteObjectCmd(),
		app.deleteNodeCmd(),
	)
	return cmd
}

func socketPath(v *viper.Viper) string {
	if path := v.GetString("socket"); path != "" {
		return path
	}
	return liberum.DefaultRuntimeDir + "/" + liberum.DefaultSocketName
}
