package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyhaven",
	Short: "KeyHaven CLI",
	Long:  "A CLI for managing secrets in KeyHaven.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// An explicit --format beats the configured default.
		if !cmd.Root().PersistentFlags().Changed("format") {
			outputFormat = cfg.Format
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store an identity-provider bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token saved.")
			return nil
		},
	}
}

// --- secret ---

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage stored secrets"}

	putCmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Create a secret (version 1)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretType, _ := cmd.Flags().GetString("type")
			metaPairs, _ := cmd.Flags().GetStringSlice("metadata")
			metadata, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			client := newClient()
			result, err := client.post("/v1/secrets", map[string]any{
				"key":         args[0],
				"value":       base64.StdEncoding.EncodeToString([]byte(args[1])),
				"secret_type": secretType,
				"metadata":    metadata,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	putCmd.Flags().String("type", "role_based", "Secret type: role_based or personal")
	putCmd.Flags().StringSlice("metadata", nil, "Metadata entries as key=value")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetInt("version")
			path := "/v1/secrets/data/" + args[0]
			if version > 0 {
				path += fmt.Sprintf("?version=%d", version)
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(decodeSecretValue(result))
			return nil
		},
	}
	getCmd.Flags().Int("version", 0, "Specific version to read (0 = latest)")

	updateCmd := &cobra.Command{
		Use:   "update <key> <value>",
		Short: "Append a new version of an existing secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metaPairs, _ := cmd.Flags().GetStringSlice("metadata")
			metadata, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			client := newClient()
			result, err := client.put("/v1/secrets/data/"+args[0], map[string]any{
				"value":    base64.StdEncoding.EncodeToString([]byte(args[1])),
				"metadata": metadata,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	updateCmd.Flags().StringSlice("metadata", nil, "Metadata entries as key=value")

	rotateCmd := &cobra.Command{
		Use:   "rotate <key> <value>",
		Short: "Write a new version keeping the current metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/secrets/rotate/"+args[0], map[string]any{
				"value": base64.StdEncoding.EncodeToString([]byte(args[1])),
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Soft-delete every version of a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/secrets/data/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Secret deleted.")
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List readable secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			client := newClient()
			result, err := client.get(fmt.Sprintf("/v1/secrets?limit=%d&offset=%d", limit, offset))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 0, "Maximum number of entries (0 = all)")
	listCmd.Flags().Int("offset", 0, "Entries to skip")

	versionsCmd := &cobra.Command{
		Use:   "versions <key>",
		Short: "Show the version history of a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/secrets/versions/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(putCmd, getCmd, updateCmd, rotateCmd, deleteCmd, listCmd, versionsCmd)
	return cmd
}

// --- share ---

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "share", Short: "Manage sharing grants on personal secrets"}

	grantCmd := &cobra.Command{
		Use:   "grant <key> <username>",
		Short: "Share a personal secret with another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("level")
			expires, _ := cmd.Flags().GetString("expires")
			body := map[string]any{
				"key":              args[0],
				"username":         args[1],
				"permission_level": level,
			}
			if expires != "" {
				body["expires_at"] = expires
			}
			client := newClient()
			result, err := client.post("/v1/shares", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	grantCmd.Flags().String("level", "read_only", "Permission level: read_only or editable")
	grantCmd.Flags().String("expires", "", "Expiry timestamp (RFC3339, empty = never)")

	revokeCmd := &cobra.Command{
		Use:   "revoke <key> <username>",
		Short: "Revoke a sharing grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			_, err := client.post("/v1/shares/revoke", map[string]any{
				"key":      args[0],
				"username": args[1],
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Share revoked.")
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sharing grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			given, _ := cmd.Flags().GetBool("given")
			path := "/v1/shares/received"
			if given {
				path = "/v1/shares/given"
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().Bool("given", false, "Show grants you issued instead of grants you received")

	cmd.AddCommand(grantCmd, revokeCmd, listCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit trail (admin)"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			for flag, param := range map[string]string{
				"action": "action", "key": "key", "user-id": "user_id",
				"since": "since", "until": "until",
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					params.Set(param, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				params.Set("limit", fmt.Sprintf("%d", limit))
			}
			client := newClient()
			result, err := client.get("/v1/sys/audit-log?" + params.Encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	queryCmd.Flags().String("action", "", "Filter by action")
	queryCmd.Flags().String("key", "", "Filter by secret key")
	queryCmd.Flags().String("user-id", "", "Filter by user ID")
	queryCmd.Flags().String("since", "", "Entries at or after this RFC3339 timestamp")
	queryCmd.Flags().String("until", "", "Entries at or before this RFC3339 timestamp")
	queryCmd.Flags().Int("limit", 100, "Maximum entries")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate audit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if v, _ := cmd.Flags().GetString("since"); v != "" {
				params.Set("since", v)
			}
			if v, _ := cmd.Flags().GetString("until"); v != "" {
				params.Set("until", v)
			}
			client := newClient()
			result, err := client.get("/v1/sys/audit-stats?" + params.Encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	statsCmd.Flags().String("since", "", "Range start (RFC3339)")
	statsCmd.Flags().String("until", "", "Range end (RFC3339)")

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			client := newClient()
			result, err := client.post("/v1/sys/audit-purge", map[string]any{"days_to_keep": days})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	purgeCmd.Flags().Int("days", 90, "Days of history to keep")

	cmd.AddCommand(queryCmd, statsCmd, purgeCmd)
	return cmd
}

// --- helpers ---

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid key=value pair: %s", kv)
		}
		meta[parts[0]] = parts[1]
	}
	return meta, nil
}

// decodeSecretValue replaces the base64 wire value with plain text for display.
func decodeSecretValue(result map[string]any) map[string]any {
	data, ok := result["data"].(map[string]any)
	if !ok {
		return result
	}
	if enc, ok := data["value"].(string); ok {
		if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
			data["value"] = string(raw)
		}
	}
	return result
}
