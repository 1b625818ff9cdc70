package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andreyvit/revdb"
	"github.com/spf13/cobra"
)

var (
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints document count, last sequence and storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := db.Stats()
			if err != nil {
				return err
			}
			n, err := db.DocumentCount()
			if err != nil {
				return err
			}
			next, err := db.NextExpiration()
			if err != nil {
				return err
			}
			fmt.Printf("path:           %s\n", db.Path())
			fmt.Printf("documents:      %d (%d records)\n", n, s.Documents)
			fmt.Printf("last sequence:  %d\n", s.LastSeq)
			fmt.Printf("bodies:         %d\n", s.Bodies)
			fmt.Printf("expiring:       %d\n", s.Expiring)
			if !next.IsZero() {
				fmt.Printf("next expiry:    %s\n", next.Format(time.RFC3339))
			}
			fmt.Printf("raw stores:     %d (%d records)\n", s.RawStores, s.RawRecords)
			fmt.Printf("size:           %d bytes\n", s.TotalBytes)
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [docID]",
		Short: "Prints the current revision of a document, or all of them with --revs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := db.Get(args[0], true)
			if err != nil {
				return err
			}
			if revs, _ := cmd.Flags().GetBool("revs"); revs {
				for _, rev := range doc.Revisions() {
					fmt.Printf("%s\tseq=%d\tleaf=%v\tdeleted=%v\n", rev.ID, rev.Sequence, rev.IsLeaf(), rev.IsDeleted())
				}
				return nil
			}
			printDoc(doc)
			return nil
		},
	}

	putCmd = &cobra.Command{
		Use:   "put [docID] [body]",
		Short: "Saves a new revision of a document; --delete saves a deletion",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, _ := cmd.Flags().GetBool("delete")
			var body []byte
			if len(args) > 1 {
				body = []byte(args[1])
			}
			depth, _ := cmd.Flags().GetInt("depth")
			return db.InTransaction(func() error {
				doc, err := db.Get(args[0], false)
				if err != nil {
					return err
				}
				revID, err := doc.Update(body, deleted)
				if err != nil {
					return err
				}
				if err := doc.Save(depth); err != nil {
					return err
				}
				fmt.Printf("%s %s seq=%d\n", doc.ID, revID, doc.Sequence)
				return nil
			})
		},
	}

	docsCmd = &cobra.Command{
		Use:   "docs [startID] [endID]",
		Short: "Lists documents in ID order",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start, end string
			if len(args) > 0 {
				start = args[0]
			}
			if len(args) > 1 {
				end = args[1]
			}
			e := db.EnumerateAllDocs(start, end, enumOptions(cmd))
			for doc := range e.Docs() {
				printDoc(doc)
			}
			return e.Err()
		},
	}

	changesCmd = &cobra.Command{
		Use:   "changes [since]",
		Short: "Lists documents changed after a sequence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var since uint64
			if len(args) > 0 {
				var err error
				since, err = strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("since must be a number: %w", err)
				}
			}
			e := db.EnumerateChanges(since, enumOptions(cmd))
			for doc := range e.Docs() {
				printDoc(doc)
			}
			return e.Err()
		},
	}

	purgeCmd = &cobra.Command{
		Use:   "purge [docID...]",
		Short: "Purges documents with all their revisions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.InTransaction(func() error {
				for _, id := range args {
					if err := db.Purge(id); err != nil {
						return err
					}
				}
				fmt.Printf("purged %d documents\n", len(args))
				return nil
			})
		},
	}

	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Removes bodies and expiry entries left behind by pruning and purging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.Compact()
		},
	}

	expireCmd = &cobra.Command{
		Use:   "expire [docID] [duration]",
		Short: "Sets a document to expire after a duration (e.g. 1h); 0 clears it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			var t time.Time
			if d != 0 {
				t = time.Now().Add(d)
			}
			return db.SetExpiration(args[0], t)
		},
	}

	expiredCmd = &cobra.Command{
		Use:   "expired",
		Short: "Lists expired documents; --purge purges them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := db.EnumerateExpired()
			for e.Next() {
				fmt.Println(e.DocID())
			}
			if err := e.Err(); err != nil {
				return err
			}
			if purge, _ := cmd.Flags().GetBool("purge"); purge {
				n, err := e.Purge()
				if err != nil {
					return err
				}
				fmt.Printf("purged %d documents\n", n)
			}
			return nil
		},
	}

	rawCmd = &cobra.Command{
		Use:   "raw",
		Short: "Reads and writes raw stores",
	}

	rawGetCmd = &cobra.Command{
		Use:   "get [store] [key]",
		Short: "Prints a raw record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := db.RawGet(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("meta: %s\nbody: %s\n", doc.Meta, doc.Body)
			return nil
		},
	}

	rawPutCmd = &cobra.Command{
		Use:   "put [store] [key] [body]",
		Short: "Replaces a raw record; omitting the body deletes it",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body, meta []byte
			if len(args) > 2 {
				body = []byte(args[2])
			}
			if m, _ := cmd.Flags().GetString("meta"); m != "" {
				meta = []byte(m)
			}
			return db.RawPut(args[0], []byte(args[1]), meta, body)
		},
	}

	rawListCmd = &cobra.Command{
		Use:   "list [store]",
		Short: "Lists the records of a raw store, or the stores",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				stores, err := db.RawStores()
				for _, s := range stores {
					fmt.Println(s)
				}
				return err
			}
			for doc, err := range db.RawEnumerate(args[0], revdb.RawOO()) {
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\n", doc.Key, doc.Meta, doc.Body)
			}
			return nil
		},
	}

	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dumps the whole database in a human-readable form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.Dump(os.Stdout, revdb.DumpAll)
		},
	}

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Prints database metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db.WriteMetrics(os.Stdout)
			return nil
		},
	}
)

func init() {
	getCmd.Flags().Bool("revs", false, wrapString("list all revisions instead of the current body"))
	putCmd.Flags().Bool("delete", false, wrapString("save a deletion revision"))
	putCmd.Flags().Int("depth", 20, wrapString("maximum revision tree depth to keep"))
	for _, c := range []*cobra.Command{docsCmd, changesCmd} {
		c.Flags().Int("skip", 0, wrapString("number of documents to skip"))
		c.Flags().Int("limit", 0, wrapString("maximum number of documents, 0 for no limit"))
		c.Flags().Bool("desc", false, wrapString("descending order"))
		c.Flags().Bool("deleted", false, wrapString("include deleted documents"))
		c.Flags().Bool("bodies", false, wrapString("print bodies"))
	}
	expiredCmd.Flags().Bool("purge", false, wrapString("purge the listed documents"))
	rawPutCmd.Flags().String("meta", "", wrapString("meta of the record"))

	rawCmd.AddCommand(rawGetCmd, rawPutCmd, rawListCmd)
}

func enumOptions(cmd *cobra.Command) revdb.EnumOptions {
	var opt revdb.EnumOptions
	opt.Skip, _ = cmd.Flags().GetInt("skip")
	opt.Limit, _ = cmd.Flags().GetInt("limit")
	opt.Descending, _ = cmd.Flags().GetBool("desc")
	opt.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
	opt.IncludeBodies, _ = cmd.Flags().GetBool("bodies")
	return opt
}

func printDoc(doc *revdb.Document) {
	line := map[string]any{
		"id":  doc.ID,
		"rev": doc.RevID,
		"seq": doc.Sequence,
	}
	if doc.IsDeleted() {
		line["deleted"] = true
	}
	if doc.IsConflicted() {
		line["conflicted"] = true
	}
	if body := doc.Body(); body != nil {
		if json.Valid(body) {
			line["body"] = json.RawMessage(body)
		} else {
			line["body"] = string(body)
		}
	}
	raw, _ := json.Marshal(line)
	fmt.Println(string(raw))
}
