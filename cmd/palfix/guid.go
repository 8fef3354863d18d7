package main

import (
	"github.com/spf13/cobra"

	"palfix.dev/internal/guid"
)

type guidForms struct {
	Input      string `json:"input"`
	Canonical  string `json:"canonical"`
	Hex        string `json:"hex"`
	FileStem   string `json:"file_stem"`
	GuildBytes []int  `json:"guild_bytes"`
}

func newGUIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guid <id>...",
		Short: "Show every representation of a player identifier",
		Args:  cobra.MinimumNArgs(1),
		// Pure conversion; no config or logger needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range args {
				id, err := guid.Parse(s)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), describeGUID(s, id))
			}
			return nil
		},
	}
}

func describeGUID(input string, id guid.ID) guidForms {
	seq := id.GuildBytes()
	g := guidForms{
		Input:      input,
		Canonical:  id.String(),
		Hex:        id.Hex(),
		FileStem:   id.FileStem(),
		GuildBytes: make([]int, len(seq)),
	}
	for i, b := range seq {
		g.GuildBytes[i] = int(b)
	}
	return g
}
