package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/IvanBrykalov/swrcache/rules"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"
)

func (c *CLI) newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules <file>",
		Short: "Validate a rules file and print the resolved policies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := rules.Load(args[0])
			if err != nil {
				return zerr.Wrap(err, "invalid rules")
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PREFIX\tTTL\tPRIORITY\tMIN INTERVAL\tINTERVAL\tMOUNT\tFOCUS")
			row := func(prefix string, p rules.Policy) {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
					prefix, p.TTL, p.Priority, p.MinInterval, p.RevalidateInterval,
					p.RevalidateOnMount, p.RevalidateOnFocus)
			}
			for _, prefix := range tbl.Prefixes() {
				row(prefix, tbl.Lookup(prefix))
			}
			row("(default)", tbl.Defaults())
			return w.Flush()
		},
	}
}
