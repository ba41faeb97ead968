package main

import (
	"encoding/binary"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marrowdb/marrow/schema"
)

var infoDirFlag string

func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Summarize a database directory",
		Long: `Print object counts per type and the schema versions present in a marrow
database directory. The directory is opened read-only.`,
		Example: `  marrow info --db ./data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(infoDirFlag)
		},
	}
	cmd.Flags().StringVar(&infoDirFlag, "db", ".", "database directory")
	return cmd
}

func runInfo(dir string) error {
	db, err := badger.Open(badger.DefaultOptions(dir).WithReadOnly(true).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer db.Close()

	counts := make(map[schema.TypeID]int)
	versions := make(map[uint32]int)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{'o'}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 9 {
				continue
			}
			id := schema.ObjectID(binary.BigEndian.Uint64(key[1:]))
			counts[id.Type()]++
			if err := item.Value(func(val []byte) error {
				if len(val) == 4 {
					versions[binary.BigEndian.Uint32(val)]++
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Database: %s\n\n", dir)

	types := make([]schema.TypeID, 0, len(counts))
	total := 0
	for t, n := range counts {
		types = append(types, t)
		total += n
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Printf("  type %-8d %d objects\n", t, counts[t])
	}
	fmt.Printf("\n%d objects total\n", total)

	if len(versions) > 0 {
		vs := make([]uint32, 0, len(versions))
		for v := range versions {
			vs = append(vs, v)
		}
		sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
		fmt.Print("schema versions:")
		for _, v := range vs {
			fmt.Printf(" %d (%d)", v, versions[v])
		}
		fmt.Println()
	}
	return nil
}
