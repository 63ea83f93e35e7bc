package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/arkilian/recordstore/internal/config"
	"github.com/arkilian/recordstore/internal/cstable"
	"github.com/arkilian/recordstore/internal/recordset"
)

func parseSize(s string) (uint64, error) {
	size, err := config.ParseByteSize(s)
	return uint64(size), err
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader(header)
	tbl.SetAutoWrapText(false)
	tbl.SetBorder(false)
	return tbl
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (t *tool) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "print the current state of the set as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				return writeJSON(cmd.OutOrStdout(), rs.GetState())
			})
		},
	}
}

func (t *tool) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "print the states recorded for the set, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := t.manifest.History(t.ctx, t.cfg.RecordSet.Name, limit)
			if err != nil {
				return err
			}
			tbl := newTable(cmd.OutOrStdout(), "Generation", "Records", "Datafiles", "Commitlogs")
			for _, st := range states {
				logs := len(st.OldCommitlogs)
				if st.Commitlog != nil {
					logs++
				}
				tbl.Append([]string{
					strconv.FormatUint(st.Generation, 10),
					strconv.FormatUint(st.NumRecords(), 10),
					strconv.Itoa(len(st.Datafiles)),
					strconv.Itoa(logs),
				})
			}
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of states to print")
	return cmd
}

func (t *tool) setsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sets",
		Short: "list the record sets known to the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := t.manifest.List(t.ctx)
			if err != nil {
				return err
			}
			tbl := newTable(cmd.OutOrStdout(), "Name", "Records", "Datafiles", "Generation", "Updated", "Prefix")
			for _, e := range entries {
				tbl.Append([]string{
					e.Name,
					strconv.FormatUint(e.State.NumRecords(), 10),
					strconv.Itoa(len(e.State.Datafiles)),
					strconv.FormatUint(e.State.Generation, 10),
					e.UpdatedAt.UTC().Format(time.RFC3339),
					e.Prefix,
				})
			}
			tbl.Render()
			return nil
		},
	}
}

func (t *tool) dumpCmd() *cobra.Command {
	var columns []string
	var limit uint64
	cmd := &cobra.Command{
		Use:   "dump <datafile>",
		Short: "print the column streams of a datafile",
		Long: `
Print the header of a columnar datafile followed by the
(repetition level, definition level, value) triples of each column.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := cstable.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			return dumpDatafile(cmd.OutOrStdout(), r, columns, limit)
		},
	}
	cmd.Flags().StringSliceVarP(&columns, "column", "c", nil, "only dump the named columns")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "maximum triples per column (0 for all)")
	return cmd
}

func dumpDatafile(w io.Writer, r *cstable.Reader, only []string, limit uint64) error {
	fmt.Fprintf(w, "%s: %d records, %d columns, checksum %016x\n",
		r.Path(), r.NumRecords(), len(r.Columns()), r.Checksum())

	names := only
	if len(names) == 0 {
		for _, c := range r.Columns() {
			names = append(names, c.Name)
		}
	}
	for _, name := range names {
		col, err := r.ColumnReader(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s %s rmax=%d dmax=%d values=%d\n", name, col.Type(),
			col.MaxRepetitionLevel(), col.MaxDefinitionLevel(), col.NumValues())
		for i := uint64(0); !col.EOF() && (limit == 0 || i < limit); i++ {
			tr, err := col.Next()
			if err != nil {
				return fmt.Errorf("%s: triple %d: %w", name, i, err)
			}
			if tr.Defined() {
				fmt.Fprintf(w, "  r=%d d=%d %s\n", tr.R, tr.D, tr.Value)
			} else {
				fmt.Fprintf(w, "  r=%d d=%d NULL\n", tr.R, tr.D)
			}
		}
	}
	return nil
}
