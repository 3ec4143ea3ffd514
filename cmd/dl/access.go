package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/engine/auth"
	"dairyline/internal/repo"
)

func grantCmd() *cobra.Command {
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Manage access grants",
		Long:  "Grants are checked user first, then role, then department; within a scope the earliest matching grant wins. No match means no access.",
	}
	grant.AddCommand(grantAddCmd())
	grant.AddCommand(grantListCmd())
	grant.AddCommand(grantRemoveCmd())
	grant.AddCommand(grantCheckCmd())
	return grant
}

func grantAddCmd() *cobra.Command {
	var g domain.PermissionGrant
	var actions []string
	var statuses []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := parseCapabilities(actions)
			if err != nil {
				return err
			}
			g.Permissions = caps
			if len(statuses) > 0 {
				g.Conditions = &domain.GrantConditions{}
				for _, raw := range statuses {
					st, ok := domain.ParseStatus(raw)
					if !ok {
						return fmt.Errorf("unknown status %q", raw)
					}
					g.Conditions.Statuses = append(g.Conditions.Statuses, st)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateGrant(ctx, g, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&g.UserID, "user", "", "target user id")
	cmd.Flags().StringVar(&g.Role, "role", "", "target role")
	cmd.Flags().StringVar(&g.Department, "department", "", "target department")
	cmd.Flags().StringVar(&g.FormID, "form", "", "form id the grant covers")
	cmd.Flags().StringVar(&g.FormType, "type", "", "form type the grant covers")
	cmd.Flags().StringSliceVar(&actions, "allow", nil, "capabilities: view,edit,delete,approve,create or all")
	cmd.Flags().StringSliceVar(&statuses, "when-status", nil, "stored condition: statuses the grant is meant for")
	return cmd
}

func grantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List grants in resolution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.ListGrants(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := newTable("ID", "Target", "Covers", "Capabilities", "Level")
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ID, grantTarget(g), grantCovers(g), capabilityList(g.Permissions), auth.AccessLevel(g.Permissions)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func grantRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Delete a grant",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteGrant(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted grant %s\n", args[0])
				return nil
			})
		},
	}
}

func grantCheckCmd() *cobra.Command {
	var userID, formID, action string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve a user's capabilities on a form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				access, err := e.FormAccess(ctx, userID, formID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"user_id":      userID,
					"form_id":      formID,
					"capabilities": access.Resolution.Capabilities,
					"access_level": access.AccessLevel,
					"scope":        access.Resolution.Scope,
					"grant_id":     access.Resolution.GrantID,
				}
				if action != "" {
					act, ok := auth.ParseAction(action)
					if !ok {
						return fmt.Errorf("unknown action %q", action)
					}
					out["action"] = act
					out["allowed"] = auth.CanAccess(access.Resolution.Capabilities, act)
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	cmd.Flags().StringVar(&action, "action", "", "also report whether this action is allowed")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyRemoveCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "dl_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, err := e.CreateAPIKey(ctx, domain.APIKey{UserID: userID, Name: name}, raw, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": k.ID, "user_id": k.UserID, "name": k.Name, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "User", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user filter")
	return cmd
}

func apiKeyRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked api key %s\n", args[0])
				return nil
			})
		},
	}
}

func parseCapabilities(actions []string) (domain.Capabilities, error) {
	var caps domain.Capabilities
	for _, raw := range actions {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "all" {
			return domain.Capabilities{View: true, Edit: true, Delete: true, Approve: true, Create: true}, nil
		}
		act, ok := auth.ParseAction(raw)
		if !ok {
			return caps, fmt.Errorf("unknown capability %q", raw)
		}
		switch act {
		case domain.ActionView:
			caps.View = true
		case domain.ActionEdit:
			caps.Edit = true
		case domain.ActionDelete:
			caps.Delete = true
		case domain.ActionApprove:
			caps.Approve = true
		case domain.ActionCreate:
			caps.Create = true
		}
	}
	return caps, nil
}

func capabilityList(c domain.Capabilities) string {
	var out []string
	for _, p := range []struct {
		on   bool
		name domain.Action
	}{{c.View, domain.ActionView}, {c.Edit, domain.ActionEdit}, {c.Delete, domain.ActionDelete}, {c.Approve, domain.ActionApprove}, {c.Create, domain.ActionCreate}} {
		if p.on {
			out = append(out, string(p.name))
		}
	}
	return strings.Join(out, ",")
}

func grantTarget(g domain.PermissionGrant) string {
	switch {
	case g.UserID != "":
		return "user:" + g.UserID
	case g.Role != "":
		return "role:" + g.Role
	default:
		return "department:" + g.Department
	}
}

func grantCovers(g domain.PermissionGrant) string {
	if g.FormID != "" {
		return "form:" + g.FormID
	}
	return "type:" + g.FormType
}

// parseMetadata turns key=value pairs into a map. Values that parse as JSON keep their type.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
