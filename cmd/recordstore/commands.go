package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/buger/jsonparser"
	"github.com/spf13/cobra"

	"github.com/arkilian/recordstore/internal/msgcodec"
	"github.com/arkilian/recordstore/internal/recordset"
	"github.com/arkilian/recordstore/pkg/types"
)

// maxLineSize bounds a single JSON record on ingest.
const maxLineSize = 16 << 20

func (t *tool) ingestCmd() *cobra.Command {
	var roll, compact bool
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "append JSON records to the commit log",
		Long: `
Append one record per line of a JSON lines file. A "__id" key holds a hex
record id and a "__key" key a natural key the id is derived from; records
with neither get a random id. Writing an existing id replaces the record.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return t.withSet(func(rs *recordset.RecordSet) error {
				n, err := ingest(rs, in)
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records\n", n)
				if err != nil {
					return err
				}
				if roll || compact {
					if err := rs.RollCommitlog(); err != nil {
						return err
					}
				}
				if compact {
					return rs.Compact()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&roll, "roll", false, "roll the commit log after ingesting")
	cmd.Flags().BoolVar(&compact, "compact", false, "roll and compact after ingesting")
	return cmd
}

func ingest(rs *recordset.RecordSet, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n, line := 0, 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		record, err := msgcodec.FromJSON(data, rs.Schema())
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		id, err := recordID(data)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := rs.AddNode(id, record); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, scanner.Err()
}

func recordID(data []byte) (types.RecordID, error) {
	if s, err := jsonparser.GetString(data, msgcodec.ReservedPrefix+"id"); err == nil {
		return types.ParseRecordID(s)
	}
	if key, err := jsonparser.GetString(data, msgcodec.ReservedPrefix+"key"); err == nil {
		return types.RecordIDFromKey([]byte(key)), nil
	}
	return types.NewRandomRecordID(), nil
}

func (t *tool) rollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roll",
		Short: "close the active commit log so the next compaction picks it up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				if err := rs.RollCommitlog(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records waiting for compaction\n", rs.CommitlogSize())
				return nil
			})
		},
	}
}

func (t *tool) compactCmd() *cobra.Command {
	var roll bool
	var maxSize string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "merge rolled commit logs into datafiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				if maxSize != "" {
					size, err := parseSize(maxSize)
					if err != nil {
						return err
					}
					rs.SetMaxDatafileSize(size)
				}
				if roll {
					if err := rs.RollCommitlog(); err != nil {
						return err
					}
				}
				if err := rs.Compact(); err != nil {
					return err
				}
				st := rs.GetState()
				fmt.Fprintf(cmd.OutOrStdout(), "%d records in %d datafiles\n", st.NumRecords(), len(st.Datafiles))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&roll, "roll", false, "roll the active commit log first")
	cmd.Flags().StringVar(&maxSize, "max-datafile-size", "", "override the configured datafile size limit (0 for none)")
	return cmd
}

func (t *tool) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "print the ids of all compacted records in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				ids, err := rs.ListRecords()
				if err != nil {
					return err
				}
				w := bufio.NewWriter(cmd.OutOrStdout())
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
				return w.Flush()
			})
		},
	}
}

func (t *tool) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <id>...",
		Short: "print compacted records as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]types.RecordID, len(args))
			for i, arg := range args {
				id, err := types.ParseRecordID(arg)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			return t.withSet(func(rs *recordset.RecordSet) error {
				for _, id := range ids {
					record, err := rs.FetchRecord(id)
					if err != nil {
						return err
					}
					if err := printRecord(cmd.OutOrStdout(), id, record, rs.Schema()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (t *tool) scanCmd() *cobra.Command {
	var offset, limit uint64
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "print a range of compacted records as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				w := bufio.NewWriter(cmd.OutOrStdout())
				err := rs.FetchRecords(offset, limit, func(id types.RecordID, record *types.Node) error {
					return printRecord(w, id, record, rs.Schema())
				})
				if ferr := w.Flush(); err == nil {
					err = ferr
				}
				return err
			})
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "logical position of the first record")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "maximum number of records (0 for all)")
	return cmd
}

func printRecord(w io.Writer, id types.RecordID, record *types.Node, schema *types.Schema) error {
	data, err := msgcodec.ToJSON(record, schema)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\t%s\n", id, data)
	return err
}

func (t *tool) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "check datafile record counts and checksums against the state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.withSet(func(rs *recordset.RecordSet) error {
				if err := rs.Verify(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d datafiles\n", len(rs.GetState().Datafiles))
				return nil
			})
		},
	}
}

func (t *tool) backupCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "upload datafiles to the configured object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := t.cfg.ObjectStorage(t.ctx)
			if err != nil {
				return err
			}
			if remote == "" {
				remote = t.cfg.RecordSet.Name
			}
			return t.withSet(func(rs *recordset.RecordSet) error {
				objects, err := rs.Backup(t.ctx, store, remote)
				if err != nil {
					return err
				}
				for _, obj := range objects {
					fmt.Fprintln(cmd.OutOrStdout(), obj)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote-prefix", "", "object path prefix (defaults to the set name)")
	return cmd
}

func (t *tool) restoreCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "download datafiles from object storage and rebuild the set state",
		Long: `
Download the datafiles of the set and rediscover its state from the files
on disk. The manifest entry of the set is replaced; its recorded schema is
kept.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := t.cfg.ObjectStorage(t.ctx)
			if err != nil {
				return err
			}
			if remote == "" {
				remote = t.cfg.RecordSet.Name
			}
			entry, err := t.loadEntry()
			if err != nil {
				return err
			}
			schemaJSON, err := t.schemaJSON(entry)
			if err != nil {
				return err
			}
			schema, err := types.ParseSchemaJSON(schemaJSON)
			if err != nil {
				return err
			}

			prefix := t.cfg.Prefix(t.cfg.RecordSet.Name)
			n, err := recordset.Restore(t.ctx, store, remote, prefix)
			if err != nil {
				return err
			}
			rs, err := recordset.Discover(schema, prefix, t.options()...)
			if err != nil {
				return err
			}
			defer rs.Close()

			name := t.cfg.RecordSet.Name
			if err := t.manifest.Delete(t.ctx, name); err != nil {
				return err
			}
			if err := t.manifest.Save(t.ctx, name, prefix, schemaJSON, rs.GetState()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d files, %d records\n", n, rs.NumRecords())
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote-prefix", "", "object path prefix (defaults to the set name)")
	return cmd
}
