package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/foldqueue/internal/api/middleware"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"github.com/spf13/cobra"
)

var (
	keyOwner  string
	keyName   string
	keyScopes []string
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key and print it once",
	Long: `Issue an API key directly against the database. Use it to bootstrap the
first admin key; later keys can be issued through /api/v1/admin/keys.

Examples:
  foldqueue apikey create --name ops --scopes read,write,admin`,
	RunE: runAPIKeyCreate,
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&keyOwner, "owner", "", "owner id (a new one is generated when empty)")
	apikeyCreateCmd.Flags().StringVar(&keyName, "name", "", "key name")
	apikeyCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", models.DefaultScopes, "comma-separated scopes")
	_ = apikeyCreateCmd.MarkFlagRequired("name")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	owner := uuid.New()
	if keyOwner != "" {
		id, err := uuid.Parse(keyOwner)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}
		owner = id
	}

	cfg, _, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := store.Connect(ctx, cfg.Database, 0)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	raw, key, err := issueKey(ctx, store.NewPostgresStore(pool), owner, keyName, keyScopes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:     %s\n", key.ID)
	fmt.Fprintf(out, "owner:  %s\n", key.OwnerID)
	fmt.Fprintf(out, "scopes: %v\n", key.Scopes)
	fmt.Fprintf(out, "key:    %s\n", raw)
	fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
	return nil
}

func issueKey(ctx context.Context, keys store.APIKeyStore, owner uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	if err := models.ValidateScopes(scopes); err != nil {
		return "", nil, err
	}
	raw, key, err := mw.NewAPIKey(owner, name, scopes)
	if err != nil {
		return "", nil, err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return raw, key, nil
}
