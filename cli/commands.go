package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"sgdb"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad id %q", s)
	}
	return uint32(id), nil
}

func parseObject(s string) (sgdb.Object, error) {
	var obj sgdb.Object
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, errors.Wrap(err, "value must be a JSON object")
	}
	return obj, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print header counters, classes and relations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				st := db.Stats()
				fmt.Printf("pages: %d (limit %d docs, %d bytes each)\n", st.PageCount, st.PageLimit, st.PageSize)
				fmt.Printf("documents: %d, payload: %d bytes, compression: %s\n", st.DocCount, st.PayloadSize, st.Compression)
				for _, cls := range db.Classes() {
					fmt.Printf("class %d %s(%s) root=%d page=%d\n", cls.ID, cls.Name, cls.Schema, cls.Root, cls.Page)
				}
				for _, rel := range db.Relations() {
					fmt.Printf("relation %d %s bidirectional=%t root=%d page=%d\n", rel.ID, rel.Name, rel.Bidirectional, rel.Root, rel.Page)
				}
				return nil
			})
		},
	}
}

// layoutCmd prints the in-memory and on-disk sizes of the fixed structures.
func layoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the sizes of the on-disk structures",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("HeadPage", unsafe.Alignof(sgdb.HeadPage{}), unsafe.Sizeof(sgdb.HeadPage{}))
			fmt.Println("PageHeader", unsafe.Alignof(sgdb.PageHeader{}), unsafe.Sizeof(sgdb.PageHeader{}))
			fmt.Println("DocHeader", unsafe.Alignof(sgdb.DocHeader{}), unsafe.Sizeof(sgdb.DocHeader{}))
			fmt.Println("header block", sgdb.HeaderSize)
		},
	}
}

func classCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "class NAME SCHEMA",
		Short:   "Define a class or change its schema",
		Example: `  sgdb class person "name:string(64),age:number,born:date"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.DefineClass(ctx, args[0], args[1])
			})
		},
	}
}

func relationCmd() *cobra.Command {
	var bidirectional bool
	cmd := &cobra.Command{
		Use:   "relation NAME",
		Short: "Define a relation type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.DefineRelation(ctx, args[0], bidirectional)
			})
		},
	}
	cmd.Flags().BoolVarP(&bidirectional, "bidirectional", "b", false, "edges are symmetric")
	return cmd
}

func insertCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "insert CLASS JSON",
		Short:   "Insert a node and print its id",
		Example: `  sgdb insert person '{"name":"ada","age":36}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj, err := parseObject(args[1])
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				id, err := db.Insert(ctx, args[0], obj)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read ID",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				rec, err := db.Read(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func updateCmd() *cobra.Command {
	var modify bool
	cmd := &cobra.Command{
		Use:   "update ID JSON",
		Short: "Replace the fields of a node, or patch them with --modify",
		Example: `  sgdb update 3 '{"name":"ada","age":37}'
  sgdb update 3 --modify '{"+age":1}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			obj, err := parseObject(args[1])
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				if modify {
					return db.Modify(ctx, id, obj)
				}
				return db.Update(ctx, id, obj)
			})
		},
	}
	cmd.Flags().BoolVarP(&modify, "modify", "m", false, "apply as a patch")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a node and its edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.Remove(ctx, id)
			})
		},
	}
}

func edgeArgs(args []string) (string, uint32, uint32, error) {
	a, err := parseID(args[1])
	if err != nil {
		return "", 0, 0, err
	}
	b, err := parseID(args[2])
	if err != nil {
		return "", 0, 0, err
	}
	return args[0], a, b, nil
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect RELATION A B",
		Short: "Add an edge from A to B",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, a, b, err := edgeArgs(args)
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.Connect(ctx, rel, a, b)
			})
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect RELATION A B",
		Short: "Remove the edge from A to B",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, a, b, err := edgeArgs(args)
			if err != nil {
				return err
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.Disconnect(ctx, rel, a, b)
			})
		},
	}
}

// whereFilter builds a filter from field=value, comparing the decoded field
// with the value parsed the way JSON would.
func whereFilter(expr string) (sgdb.Filter, error) {
	i := strings.IndexByte(expr, '=')
	if i <= 0 {
		return nil, errors.Errorf("bad filter %q, want field=value", expr)
	}
	field, raw := expr[:i], expr[i+1:]
	var want interface{}
	if err := json.Unmarshal([]byte(raw), &want); err != nil {
		want = raw
	}
	return func(n *sgdb.Node) bool {
		return sgdb.CompareValues(n.Fields[field], want) == 0
	}, nil
}

func findCmd() *cobra.Command {
	var (
		where      []string
		sortBy     []string
		desc       bool
		skip, lim  int
		countsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "find CLASS",
		Short: "List the nodes of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				q := db.Find(args[0]).Skip(skip).Limit(lim)
				for _, w := range where {
					f, err := whereFilter(w)
					if err != nil {
						return err
					}
					q.Where(f)
				}
				for _, s := range sortBy {
					q.SortBy(s, desc)
				}
				nodes, err := q.Exec(ctx)
				if err != nil {
					return err
				}
				if countsOnly {
					fmt.Println(len(nodes))
					return nil
				}
				return printJSON(nodes)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "field=value filter, repeatable")
	cmd.Flags().StringArrayVarP(&sortBy, "sort", "s", nil, "sort field, repeatable")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVarP(&lim, "limit", "l", 0, "maximum rows, 0 for all")
	cmd.Flags().BoolVar(&countsOnly, "count", false, "print only the number of rows")
	return cmd
}

func graphCmd() *cobra.Command {
	var (
		depth     int
		relations []string
		classes   []string
		direction string
	)
	cmd := &cobra.Command{
		Use:   "graph ID",
		Short: "Print the breadth-first traversal tree from a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := sgdb.GraphOptions{Depth: depth, Relations: relations, Classes: classes}
			switch direction {
			case "out":
				opts.Direction = sgdb.DirOut
			case "in":
				opts.Direction = sgdb.DirIn
			case "both", "any":
				opts.Direction = sgdb.DirBoth
			default:
				return errors.Errorf("bad direction %q", direction)
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				res, err := db.Graph(id, opts).Exec(ctx)
				if err != nil {
					return err
				}
				printTree(res.Root, "")
				fmt.Printf("%d nodes\n", res.Count)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum edges from the root, 0 for unbounded")
	cmd.Flags().StringSliceVarP(&relations, "relation", "r", nil, "relation types to follow")
	cmd.Flags().StringSliceVar(&classes, "class", nil, "classes to keep")
	cmd.Flags().StringVar(&direction, "direction", "out", "out, in or both")
	return cmd
}

func printTree(n *sgdb.GraphNode, indent string) {
	fields, _ := json.Marshal(n.Fields)
	if n.Relation == "" {
		fmt.Printf("%s%d %s %s\n", indent, n.ID, n.Class, fields)
	} else {
		fmt.Printf("%s-[%s]-> %d %s %s\n", indent, n.Relation, n.ID, n.Class, fields)
	}
	for _, c := range n.Children {
		printTree(c, indent+"  ")
	}
}

func resizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize PAYLOAD",
		Short: "Grow the document payload to PAYLOAD bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrapf(err, "bad payload %q", args[0])
			}
			return withDB(func(ctx context.Context, db *sgdb.DB) error {
				return db.Resize(ctx, size)
			})
		},
	}
}
