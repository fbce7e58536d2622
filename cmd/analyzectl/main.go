// Command analyzectl is the operator CLI for inspecting and repairing analyses.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"analysis-backend/internal/analyses"
	"analysis-backend/internal/bootstrap"
	"analysis-backend/internal/shared/config"
	"analysis-backend/internal/usage"
	"analysis-backend/internal/users"
)

// loadApp is replaced in tests.
var loadApp = func() (*bootstrap.App, error) {
	return bootstrap.Build(config.Load())
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "analyzectl",
		Short:         "Inspect and repair analysis runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStatusCmd(), newRetryCmd(), newBudgetCmd(), newUserCmd())
	return root
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <analysis-id>",
		Short: "Show progress for an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *bootstrap.App) error {
				ctx := cmd.Context()
				a, err := app.AnalysesRepo.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				p, err := app.AnalysesService.Status(ctx, a.UserID, a.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func newRetryCmd() *cobra.Command {
	var stage, master string
	var swaps []string
	cmd := &cobra.Command{
		Use:   "retry <analysis-id>",
		Short: "Retry failed providers or re-run synthesis",
		Example: `  analyzectl retry 6f1c... --stage initial --swap gemini=deepseek
  analyzectl retry 6f1c... --stage synthesis --master anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := parseSwaps(swaps)
			if err != nil {
				return err
			}
			return withApp(func(app *bootstrap.App) error {
				ctx := cmd.Context()
				a, err := app.AnalysesRepo.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := app.AnalysesService.Retry(ctx, analyses.RetryInput{
					AnalysisID:     a.ID,
					UserID:         a.UserID,
					Stage:          stage,
					Substitutions:  subs,
					MasterProvider: master,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"retried":     res.Retried,
					"failed":      res.Failed,
					"synthesized": res.Synthesized,
					"status":      res.Analysis.Status,
					"finalScore":  res.Analysis.FinalScore,
				})
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", analyses.StageInitial, "stage to retry (initial|synthesis)")
	cmd.Flags().StringArrayVar(&swaps, "swap", nil, "provider substitution as original=substitute (repeatable)")
	cmd.Flags().StringVar(&master, "master", "", "provider to synthesize with")
	return cmd
}

func newBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget <user-id>",
		Short: "Show a user's token budget for today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *bootstrap.App) error {
				b := app.UsageService.Check(cmd.Context(), args[0], usage.CheckOptions{})
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage account tiers and stored provider keys",
	}

	var id, tier, email string
	var limit int64
	var unrestricted bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update an account profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := users.User{ID: id, Email: email, Tier: tier, Unrestricted: unrestricted}
			if cmd.Flags().Changed("limit") {
				u.DailyTokenLimit = &limit
			}
			return withApp(func(app *bootstrap.App) error {
				if err := app.UsersService.Upsert(cmd.Context(), u); err != nil {
					return err
				}
				stored, err := app.UsersService.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stored)
			})
		},
	}
	set.Flags().StringVar(&id, "id", "", "user id")
	set.Flags().StringVar(&email, "email", "", "email")
	set.Flags().StringVar(&tier, "tier", string(usage.TierFree), "tier (free|pro|enterprise)")
	set.Flags().Int64Var(&limit, "limit", 0, "custom daily token limit")
	set.Flags().BoolVar(&unrestricted, "unrestricted", false, "exempt from the daily budget")
	_ = set.MarkFlagRequired("id")

	var keyUser, provider, apiKey string
	key := &cobra.Command{
		Use:   "key",
		Short: "Store a provider API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *bootstrap.App) error {
				if !app.Providers.Has(provider) {
					return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(app.Providers.Names(), ", "))
				}
				if err := app.UsersService.SetProviderKey(cmd.Context(), keyUser, provider, apiKey); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s key for %s\n", strings.ToLower(provider), keyUser)
				return nil
			})
		},
	}
	key.Flags().StringVar(&keyUser, "id", "", "user id")
	key.Flags().StringVar(&provider, "provider", "", "provider id")
	key.Flags().StringVar(&apiKey, "key", "", "API key")
	for _, name := range []string{"id", "provider", "key"} {
		_ = key.MarkFlagRequired(name)
	}

	cmd.AddCommand(set, key)
	return cmd
}

func withApp(fn func(app *bootstrap.App) error) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func parseSwaps(raw []string) ([]analyses.Substitution, error) {
	out := make([]analyses.Substitution, 0, len(raw))
	for _, s := range raw {
		original, substitute, ok := strings.Cut(s, "=")
		original, substitute = strings.TrimSpace(original), strings.TrimSpace(substitute)
		if !ok || original == "" || substitute == "" {
			return nil, fmt.Errorf("invalid --swap %q, want original=substitute", s)
		}
		out = append(out, analyses.Substitution{Original: original, Substitute: substitute})
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
