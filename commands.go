package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asaidimu/go-recordbase/core/records"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/core/schema"
)

type engineFunc func() *engine

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPayload decodes a JSON argument. "-" reads standard input and a
// leading "@" names a file.
func readPayload(cmd *cobra.Command, arg string, target any) error {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func newMigrateCmd(eng engineFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the bootstrap migrations and report the collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := eng().persistence.Collections(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "metadata up to date, %d collection(s)\n", len(all))
			return nil
		},
	}
}

func newCollectionsCmd(eng engineFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "collections", Short: "Manage collections"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := eng().persistence.Collections(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, all)
		},
	}, &cobra.Command{
		Use:   "get NAME",
		Short: "Show a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := eng().persistence.Collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}, &cobra.Command{
		Use:   "create DEFINITION",
		Short: "Create a collection from a JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var def schema.Collection
			if err := readPayload(cmd, args[0], &def); err != nil {
				return err
			}
			c, err := eng().persistence.CreateCollection(cmd.Context(), &def)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}, &cobra.Command{
		Use:   "update NAME DEFINITION",
		Short: "Replace a collection definition and migrate its table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var def schema.Collection
			if err := readPayload(cmd, args[1], &def); err != nil {
				return err
			}
			c, report, err := eng().persistence.UpdateCollection(cmd.Context(), args[0], &def)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"collection": c, "migration": report})
		},
	}, &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a collection and drop its table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng().persistence.DeleteCollection(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

// requestFlags are the caller identity and read shaping flags shared by the
// record commands.
type requestFlags struct {
	authID   string
	role     string
	verified bool
	expand   []string
	fields   string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.authID, "auth", "", "id of the calling user; empty is anonymous")
	cmd.Flags().StringVar(&f.role, "role", "", "role of the calling user")
	cmd.Flags().BoolVar(&f.verified, "verified", false, "whether the calling user is verified")
	cmd.Flags().StringSliceVarP(&f.expand, "expand", "e", nil, "relation paths to expand")
	cmd.Flags().StringVarP(&f.fields, "fields", "f", "", "projection, e.g. id,title,body:excerpt(80,true)")
}

func (f *requestFlags) request() records.Request {
	req := records.Request{Expand: f.expand, Fields: f.fields}
	if f.authID != "" {
		req.Auth = &rules.AuthInfo{ID: f.authID, Role: f.role, Verified: f.verified}
	}
	return req
}

func newRecordsCmd(eng engineFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "records", Short: "Read and write records"}

	var list records.ListRequest
	var listFlags requestFlags
	listCmd := &cobra.Command{
		Use:   "list COLLECTION",
		Short: "List records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list.Request = listFlags.request()
			res, err := eng().records.List(cmd.Context(), args[0], list)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	listFlags.bind(listCmd)
	listCmd.Flags().StringVar(&list.Filter, "filter", "", `filter expression, e.g. 'age >= 18 && status = "active"'`)
	listCmd.Flags().StringVar(&list.Sort, "sort", "", "sort fields, e.g. -created,title")
	listCmd.Flags().StringVar(&list.Search, "search", "", "case-insensitive search text")
	listCmd.Flags().StringSliceVar(&list.SearchFields, "search-fields", nil, "fields searched by --search")
	listCmd.Flags().IntVar(&list.Page, "page", 1, "page number")
	listCmd.Flags().IntVar(&list.PerPage, "per-page", records.DefaultPerPage, "records per page")

	var viewFlags requestFlags
	viewCmd := &cobra.Command{
		Use:   "get COLLECTION ID",
		Short: "Show a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := eng().records.View(cmd.Context(), args[0], args[1], viewFlags.request())
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	viewFlags.bind(viewCmd)

	var createFlags requestFlags
	createCmd := &cobra.Command{
		Use:   "create COLLECTION DATA",
		Short: "Create a record from a JSON object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := readPayload(cmd, args[1], &data); err != nil {
				return err
			}
			record, err := eng().records.Create(cmd.Context(), args[0], data, createFlags.request())
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	createFlags.bind(createCmd)

	var updateFlags requestFlags
	updateCmd := &cobra.Command{
		Use:   "update COLLECTION ID DATA",
		Short: `Update a record; keys ending in "+" or "-" adjust numbers`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := readPayload(cmd, args[2], &data); err != nil {
				return err
			}
			record, err := eng().records.Update(cmd.Context(), args[0], args[1], data, updateFlags.request())
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	updateFlags.bind(updateCmd)

	var deleteFlags requestFlags
	deleteCmd := &cobra.Command{
		Use:   "delete COLLECTION ID",
		Short: "Delete a record, applying the cascade policies of relations pointing at it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng().records.Delete(cmd.Context(), args[0], args[1], deleteFlags.request()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
	deleteFlags.bind(deleteCmd)

	cmd.AddCommand(listCmd, viewCmd, createCmd, updateCmd, deleteCmd)
	return cmd
}
