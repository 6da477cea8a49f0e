package app

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/txnlog/src/app"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
)

func initDump() {
	var (
		fromPage   uint64
		fromOffset uint32
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Prints the durable log records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := app.Dump(
				afero.NewOsFs(),
				rootCmd.Options.ConfigPath,
				common.NewLSA(common.PageID(fromPage), fromOffset),
				cmd.OutOrStdout(),
			)
			return err
		},
	}
	cmd.Flags().Uint64Var(&fromPage, "from-page", 0, "Logical page of the first record")
	cmd.Flags().Uint32Var(&fromOffset, "from-offset", 0, "Offset of the first record within its page")

	rootCmd.AddCommand(cmd)
}
