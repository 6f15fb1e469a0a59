package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gestaozabele/bitacora/internal/audit"
	"github.com/gestaozabele/bitacora/internal/auth"
	"github.com/gestaozabele/bitacora/internal/claims"
	"github.com/gestaozabele/bitacora/internal/config"
	"github.com/gestaozabele/bitacora/internal/db"
	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/events"
	"github.com/gestaozabele/bitacora/internal/profile"
	"github.com/gestaozabele/bitacora/internal/repo"
	"github.com/gestaozabele/bitacora/internal/schema"
	"github.com/gestaozabele/bitacora/internal/storage"
	"github.com/gestaozabele/bitacora/internal/util"
)

const cliActor = "bitacoractl"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bitacoractl",
		Short:         "Administração da bitácora escolar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newApproveCmd(),
		newUserCmd(),
		newSchemaCmd(),
		newKeygenCmd(),
		newHashpassCmd(),
	)
	return root
}

// openPool lê DB_DSN (ou DATABASE_URL) do ambiente.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	_ = godotenv.Load()
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		return nil, errors.New("defina DB_DSN ou DATABASE_URL")
	}
	return db.NewPool(ctx, dsn)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica o esquema SQL embutido",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "esquema aplicado")
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	var (
		uidFlag, approverFlag, roleFlag string
		allowAdmin, bootstrap           bool
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Autoriza um perfil pendente e sincroniza os claims",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uid, err := uuid.Parse(uidFlag)
			if err != nil {
				return errors.New("--uid inválido")
			}
			var approver uuid.UUID
			if !bootstrap {
				if approver, err = uuid.Parse(approverFlag); err != nil {
					return errors.New("--approver obrigatório fora do --bootstrap")
				}
				if strings.TrimSpace(roleFlag) == "" {
					return errors.New("--role obrigatório")
				}
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			redisClient, err := openRedis()
			if err != nil {
				return err
			}
			defer redisClient.Close()

			bus := events.NewBus(log.With().Str("component", "events").Logger())
			profileRepo := profile.NewRepository(pool)
			svc := profile.NewService(profileRepo, bus, audit.New(pool, log.With().Str("component", "audit").Logger()))
			claims.NewSynchronizer(profileRepo, claims.NewRedisStore(redisClient), 5, 500*time.Millisecond,
				log.With().Str("component", "claims").Logger()).Register(bus)

			var p profile.Profile
			if bootstrap {
				p, err = svc.Bootstrap(ctx, uid, cliActor)
			} else {
				p, err = svc.Approve(ctx, approver, uid, roleFlag, allowAdmin)
			}
			if err != nil {
				return err
			}

			drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := bus.Drain(drainCtx); err != nil {
				log.Warn().Err(err).Msg("sincronização de claims não concluída")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s autorizado como %s\n", p.UID, p.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&uidFlag, "uid", "", "perfil a autorizar")
	cmd.Flags().StringVar(&approverFlag, "approver", "", "admin autorizado que aprova")
	cmd.Flags().StringVar(&roleFlag, "role", "", "papel a conceder")
	cmd.Flags().BoolVar(&allowAdmin, "allow-admin", false, "permite conceder admin")
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "promove o primeiro admin sem aprovador")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func openRedis() (*redis.Client, error) {
	url := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if url == "" {
		return nil, errors.New("defina REDIS_URL")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse: %w", err)
	}
	return redis.NewClient(opts), nil
}

func newUserCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Credenciais locais"}

	var nome, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Cria credencial local; a senha é lida da entrada padrão",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			email = strings.ToLower(strings.TrimSpace(email))
			if err := util.ValidateEmail(email); err != nil {
				return err
			}
			if err := util.ValidatePassword(password); err != nil {
				return err
			}
			hash, err := auth.Hash(password)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			u, err := repo.New(pool).CreateUsuario(ctx, nome, email, hash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	create.Flags().StringVar(&nome, "nome", "", "nome exibido")
	create.Flags().StringVar(&email, "email", "", "e-mail de acesso")
	_ = create.MarkFlagRequired("email")

	user.AddCommand(create)
	return user
}

func newSchemaCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schema", Short: "Descritor do relatório estruturado"}

	var printOnly bool
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Grava o descritor no object store quando ele mudou",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadSchema()
			if err != nil {
				return err
			}
			doc := schema.Describe(cfg.FolioPrefix, cfg.FolioWidth)
			if printOnly {
				raw, err := doc.Encode()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			}

			ctx := cmd.Context()
			store, err := storage.Open(ctx, cfg.Storage.StoreConfig())
			if err != nil {
				return err
			}
			if c, ok := store.(interface{ Close() error }); ok {
				defer c.Close()
			}

			written, err := schema.NewPublisher(store, cfg.ObjectKey, log.With().Str("component", "schema").Logger()).Publish(ctx, doc)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "descritor v%d publicado em %s\n", doc.Version, cfg.ObjectKey)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "descritor inalterado")
			}
			return nil
		},
	}
	publish.Flags().BoolVar(&printOnly, "print", false, "só imprime o descritor")

	sc.AddCommand(publish)
	return sc
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Gera uma REPORTS_MASTER_KEY nova (base64, 32 bytes)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := envelope.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newHashpassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hashpass [senha]",
		Short: "Gera hash Argon2id; sem argumento lê da entrada padrão",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				var err error
				if password, err = readPassword(cmd); err != nil {
					return err
				}
			}
			hash, err := auth.Hash(password)
			if err != nil {
				return fmt.Errorf("hash: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("senha não informada na entrada padrão")
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("senha vazia")
	}
	return password, nil
}
