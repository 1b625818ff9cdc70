package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andreyvit/revdb"
	"github.com/spf13/cobra"
)

// The CLI builds simple views that index one field of JSON bodies. The
// field name is the view version, so changing it rebuilds the view.

var (
	viewCmd = &cobra.Command{
		Use:   "view",
		Short: "Builds and queries single-field views over JSON bodies",
	}

	viewIndexCmd = &cobra.Command{
		Use:   "index [viewFile]",
		Short: "Brings a view up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openCLIView(cmd, args[0])
			if err != nil {
				return err
			}
			defer v.Close()
			field, _ := cmd.Flags().GetString("field")
			geo, _ := cmd.Flags().GetString("geo")

			before := v.LastSequenceIndexed()
			idx, err := db.NewIndexer(v)
			if err != nil {
				return err
			}
			var n int
			for idx.Next() {
				doc := idx.Doc()
				if !doc.Exists() || doc.IsDeleted() {
					continue
				}
				var body map[string]any
				if json.Unmarshal(doc.Body(), &body) != nil {
					continue
				}
				if val, ok := body[field]; ok {
					if err := idx.Emit(0, val, nil); err != nil {
						idx.End(false)
						return err
					}
				}
				if geo != "" {
					if area, ok := geoAreaOf(body, geo); ok {
						if err := idx.EmitGeo(0, area, nil); err != nil {
							idx.End(false)
							return err
						}
					}
				}
				n++
			}
			if err := idx.End(idx.Err() == nil); err != nil {
				return err
			}
			if err := idx.Err(); err != nil {
				return err
			}
			fmt.Printf("indexed %d documents, sequence %d => %d, %d rows\n", n, before, v.LastSequenceIndexed(), v.TotalRows())
			return nil
		},
	}

	viewQueryCmd = &cobra.Command{
		Use:   "query [viewFile]",
		Short: "Prints view rows; keys are given as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openCLIView(cmd, args[0])
			if err != nil {
				return err
			}
			defer v.Close()

			var opt revdb.QueryOptions
			opt.Limit, _ = cmd.Flags().GetInt("limit")
			opt.Descending, _ = cmd.Flags().GetBool("desc")
			if opt.StartKey, err = keyFlag(cmd, "start"); err != nil {
				return err
			}
			if opt.EndKey, err = keyFlag(cmd, "end"); err != nil {
				return err
			}
			if k, err := keyFlag(cmd, "key"); err != nil {
				return err
			} else if k != nil {
				opt.Keys = []revdb.Key{k}
			}

			q, err := v.Query(opt)
			if err != nil {
				return err
			}
			for row := range q.Rows() {
				fmt.Printf("%s\t%s\n", row.Key, row.DocID)
			}
			return q.Err()
		},
	}

	viewGeoCmd = &cobra.Command{
		Use:   "geo [viewFile] [xmin] [ymin] [xmax] [ymax]",
		Short: "Prints documents whose geo rows intersect a box",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c [4]float64
			for i := range c {
				var err error
				if c[i], err = strconv.ParseFloat(args[i+1], 64); err != nil {
					return fmt.Errorf("invalid coordinate %q: %w", args[i+1], err)
				}
			}
			v, err := openCLIView(cmd, args[0])
			if err != nil {
				return err
			}
			defer v.Close()
			rows, err := v.GeoQuery(revdb.NewGeoArea(c[0], c[1], c[2], c[3]))
			if err != nil {
				return err
			}
			for _, row := range rows {
				a := row.Area
				fmt.Printf("%s\t[%g %g %g %g]\n", row.DocID, a.XMin, a.YMin, a.XMax, a.YMax)
			}
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{viewIndexCmd, viewQueryCmd, viewGeoCmd} {
		c.Flags().String("field", "", wrapString("JSON body field the view indexes"))
		c.Flags().String("geo", "", wrapString("comma-separated body fields holding xmin,ymin,xmax,ymax"))
	}
	viewQueryCmd.Flags().String("key", "", wrapString("exact key"))
	viewQueryCmd.Flags().String("start", "", wrapString("lowest key"))
	viewQueryCmd.Flags().String("end", "", wrapString("highest key"))
	viewQueryCmd.Flags().Int("limit", 0, wrapString("maximum number of rows"))
	viewQueryCmd.Flags().Bool("desc", false, wrapString("descending order"))

	viewCmd.AddCommand(viewIndexCmd, viewQueryCmd, viewGeoCmd)
}

func openCLIView(cmd *cobra.Command, path string) (*revdb.View, error) {
	field, _ := cmd.Flags().GetString("field")
	geo, _ := cmd.Flags().GetString("geo")
	if field == "" && geo == "" {
		return nil, fmt.Errorf("pass --field or --geo")
	}
	version := "field=" + field + ";geo=" + geo
	return revdb.OpenView(db, path, "cli", version, revdb.ViewOptions{Create: true})
}

func keyFlag(cmd *cobra.Command, name string) (revdb.Key, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		// bare words are strings
		v = s
	}
	return revdb.EncodeKey(v)
}

func geoAreaOf(body map[string]any, fields string) (revdb.GeoArea, bool) {
	names := strings.Split(fields, ",")
	if len(names) != 4 {
		return revdb.GeoArea{}, false
	}
	var c [4]float64
	for i, name := range names {
		f, ok := body[strings.TrimSpace(name)].(float64)
		if !ok {
			return revdb.GeoArea{}, false
		}
		c[i] = f
	}
	return revdb.NewGeoArea(c[0], c[1], c[2], c[3]), true
}
