package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs a server response in the chosen format. Table and
// raw modes peel the {"data": ...} envelope first; json prints it as
// received.
func printResult(result map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result) //nolint:errcheck
	case "raw":
		printRaw(unwrap(result))
	default:
		printTable(unwrap(result))
	}
}

// unwrap peels the single-key {"data": ...} envelope every endpoint
// responds with.
func unwrap(result map[string]any) any {
	if inner, ok := result["data"]; ok && len(result) == 1 {
		return inner
	}
	return result
}

func printRaw(data any) {
	obj, ok := data.(map[string]any)
	if !ok {
		fmt.Println(cell(data))
		return
	}
	if outputField != "" {
		if v, ok := obj[outputField]; ok {
			fmt.Println(cell(v))
		}
		return
	}
	for _, k := range sortedKeys(obj) {
		fmt.Printf("%s=%s\n", k, cell(obj[k]))
	}
}

func printTable(data any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	switch v := data.(type) {
	case []any:
		printRows(w, v)
	case map[string]any:
		printFields(w, v, "")
	default:
		fmt.Fprintln(w, cell(v))
	}
}

// printRows renders a listing (secrets, version history, share grants,
// audit entries) as one table with an upper-case header row.
func printRows(w *tabwriter.Writer, rows []any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(no entries)")
		return
	}
	first, ok := rows[0].(map[string]any)
	if !ok {
		for _, r := range rows {
			fmt.Fprintln(w, cell(r))
		}
		return
	}

	cols := columnsFor(first)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))
	for _, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cell(obj[c])
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
}

// columnsFor picks a column order for the row shapes the API returns,
// keyed off a field unique to each: share grants carry a permission
// level, audit entries an action, secret listings a key, version
// history only a version. Unknown shapes fall back to sorted names.
func columnsFor(row map[string]any) []string {
	switch {
	case has(row, "permission_level"):
		return present(row, "secret_key", "owner_id", "shared_with_id", "permission_level", "shared_at", "expires_at", "active")
	case has(row, "action"):
		return present(row, "timestamp", "action", "secret_key", "user_id", "metadata")
	case has(row, "key"):
		return present(row, "key", "version", "secret_type", "owner_id", "created_at", "metadata")
	case has(row, "version"):
		return present(row, "version", "created_at", "metadata")
	default:
		return sortedKeys(row)
	}
}

func has(row map[string]any, field string) bool {
	_, ok := row[field]
	return ok
}

func present(row map[string]any, order ...string) []string {
	cols := make([]string, 0, len(order))
	for _, c := range order {
		if has(row, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// printFields renders a single object (a read secret, audit statistics)
// as indented key/value lines, recursing into nested objects.
func printFields(w *tabwriter.Writer, obj map[string]any, indent string) {
	for _, k := range sortedKeys(obj) {
		if nested, ok := obj[k].(map[string]any); ok {
			fmt.Fprintf(w, "%s%s\t\n", indent, strings.ToUpper(k))
			printFields(w, nested, indent+"  ")
			continue
		}
		fmt.Fprintf(w, "%s%s\t%s\n", indent, k, cell(obj[k]))
	}
}

// cell formats one table cell; maps become compact k=v lists rather
// than Go's %v syntax.
func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case map[string]any:
		parts := make([]string, 0, len(val))
		for _, k := range sortedKeys(val) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, val[k]))
		}
		return strings.Join(parts, ",")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = cell(item)
		}
		return strings.Join(parts, ", ")
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
