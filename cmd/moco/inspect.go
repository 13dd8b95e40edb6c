package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"moco/internal/results"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "List the parameters stored in a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := results.LoadCheckpoint(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s, epoch %d, acc@1 %.2f%%, acc@5 %.2f%%\n", ck.Run, ck.Epoch, ck.Top1, ck.Top5)
			fmt.Fprintf(w, "input %d, hidden %v, features %d, trainable parameters %d\n\n",
				ck.Encoder.InputDim, ck.Encoder.HiddenDims, ck.Encoder.FeaturesDim, ck.ParamCount())

			table := tablewriter.NewWriter(w)
			table.SetHeader([]string{"name", "shape", "size", "kind", "l2 norm"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, p := range ck.Params {
				kind := "weight"
				if !p.Trainable {
					kind = "buffer"
				}
				dims := make([]string, len(p.Shape))
				for i, d := range p.Shape {
					dims[i] = strconv.Itoa(d)
				}
				table.Append([]string{
					p.Name,
					strings.Join(dims, "x"),
					strconv.Itoa(len(p.Data)),
					kind,
					strconv.FormatFloat(floats.Norm(p.Data, 2), 'f', 4, 64),
				})
			}
			table.Render()
			return nil
		},
	}
}
