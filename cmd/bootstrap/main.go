// bootstrap prepares a fresh deployment: it ensures the MongoDB indexes and creates
// the first admin account, which cannot be created over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prefeitura-rio/app-dms/internal/config"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/services"
	"github.com/prefeitura-rio/app-dms/internal/utils"
	"go.uber.org/zap"
)

// errInvalidAdmin marks flag or env values that fail validation
var errInvalidAdmin = errors.New("invalid admin account")

type options struct {
	Mobile      string
	Name        string
	Email       string
	Password    string
	IndexesOnly bool
}

// accountCreator is the part of services.AccountService bootstrap needs
type accountCreator interface {
	CreateUser(ctx context.Context, req models.CreateUserRequest, createdBy string) (*models.User, error)
}

// parseOptions reads flags from args. Unset flags fall back to the ADMIN_* variables.
func parseOptions(args []string, getenv func(string) string) (options, error) {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	var opts options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Mobile, "mobile", getenv("ADMIN_MOBILE"), "Admin mobile number")
	fs.StringVar(&opts.Name, "name", envOr("ADMIN_NAME", "Administrator"), "Admin display name")
	fs.StringVar(&opts.Email, "email", getenv("ADMIN_EMAIL"), "Admin email (optional)")
	fs.StringVar(&opts.Password, "password", getenv("ADMIN_PASSWORD"), "Admin password (optional, enables password login)")
	fs.BoolVar(&opts.IndexesOnly, "indexes-only", false, "Only ensure indexes, skip the admin account")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// validateAdmin checks req with the same rules the HTTP handlers bind with
func validateAdmin(req models.CreateUserRequest) []models.FieldError {
	v := validator.New()
	v.SetTagName("binding")
	utils.RegisterOn(v)
	if err := v.Struct(req); err != nil {
		return utils.FieldErrors(err)
	}
	return nil
}

// bootstrap ensures indexes, then creates the admin account unless opts.IndexesOnly.
// An existing account counts as success so the command can run on every deploy.
func bootstrap(ctx context.Context, opts options, ensureIndexes func(context.Context) error, accounts func() (accountCreator, error), stderr io.Writer, logger *logging.SafeLogger) error {
	if err := ensureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure indexes: %w", err)
	}
	if opts.IndexesOnly {
		logger.Info("indexes ensured, skipping admin account")
		return nil
	}

	req := models.CreateUserRequest{
		MobileNumber: opts.Mobile,
		Name:         opts.Name,
		Email:        opts.Email,
		Password:     opts.Password,
		Role:         models.RoleAdmin,
	}
	if fieldErrors := validateAdmin(req); len(fieldErrors) > 0 {
		for _, fe := range fieldErrors {
			fmt.Fprintf(stderr, "%s: %s\n", fe.Field, fe.Message)
		}
		return errInvalidAdmin
	}

	creator, err := accounts()
	if err != nil {
		return err
	}
	admin, err := creator.CreateUser(ctx, req, "")
	if err != nil {
		if errors.Is(err, models.ErrUserExists) {
			logger.Info("admin account already exists")
			return nil
		}
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	logger.Info("admin account created", zap.String("user_id", admin.ID.Hex()))
	return nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.InitLogger(); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Logger.Sync() }()

	if err := config.LoadConfig(); err != nil {
		logging.Logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.AppConfig
	logger := logging.Logger.Named("bootstrap")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Ensures indexes as part of the connection
	ensureIndexes := func(context.Context) error { return config.InitMongoDB() }
	accounts := func() (accountCreator, error) {
		users := services.NewMongoUserStore(config.MongoDB.Collection(cfg.UserCollection), services.SystemClock(), logger)
		tokens, err := services.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiresIn, services.SystemClock(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create token service: %w", err)
		}
		return services.NewAccountService(users, tokens, logger), nil
	}

	if err := bootstrap(ctx, opts, ensureIndexes, accounts, os.Stderr, logger); err != nil {
		if errors.Is(err, errInvalidAdmin) {
			os.Exit(2)
		}
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
}
