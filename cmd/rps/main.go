package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/amt-remote-provisioning/actions"
	"github.com/ruteri/amt-remote-provisioning/cmd/flags"
	"github.com/ruteri/amt-remote-provisioning/common"
	"github.com/ruteri/amt-remote-provisioning/devices"
	"github.com/ruteri/amt-remote-provisioning/httpserver"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
	"github.com/ruteri/amt-remote-provisioning/metrics"
	"github.com/ruteri/amt-remote-provisioning/parser"
	"github.com/ruteri/amt-remote-provisioning/profiles"
	"github.com/ruteri/amt-remote-provisioning/secrets"
	"github.com/ruteri/amt-remote-provisioning/session"
	"github.com/ruteri/amt-remote-provisioning/storage"
	"github.com/ruteri/amt-remote-provisioning/wsman"
	"github.com/urfave/cli/v2"
)

var serviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for device connections and the admin API",
		EnvVars: []string{"RPS_LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:    "websocket-path",
		Value:   httpserver.DefaultWebsocketPath,
		Usage:   "path device clients connect to",
		EnvVars: []string{"RPS_WEBSOCKET_PATH"},
	},
	&cli.BoolFlag{
		Name:    "disable-admin-api",
		Value:   false,
		Usage:   "do not serve the profile management API",
		EnvVars: []string{"RPS_DISABLE_ADMIN_API"},
	},
	&cli.DurationFlag{
		Name:    "device-idle-timeout",
		Value:   5 * time.Minute,
		Usage:   "close device connections idle for longer than this, 0 to disable",
		EnvVars: []string{"RPS_DEVICE_IDLE_TIMEOUT"},
	},
	&cli.StringSliceFlag{
		Name:    "storage",
		Value:   cli.NewStringSlice("file://./data"),
		Usage:   "storage backend URIs for profiles, CIRA configs and domains (file://, s3://)",
		EnvVars: []string{"RPS_STORAGE"},
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		Usage:   "Vault address for secrets. Secrets are kept in memory when unset",
		EnvVars: []string{"RPS_VAULT_ADDRESS"},
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Usage:   "Vault token",
		EnvVars: []string{"RPS_VAULT_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "vault-mount",
		Value:   "secret",
		Usage:   "Vault KV v2 mount path",
		EnvVars: []string{"RPS_VAULT_MOUNT"},
	},
	&cli.StringFlag{
		Name:    "mps-username",
		Usage:   "username devices use to authenticate to the management presence server",
		EnvVars: []string{"RPS_MPS_USERNAME"},
	},
	&cli.StringFlag{
		Name:    "mps-password",
		Usage:   "password devices use to authenticate to the management presence server",
		EnvVars: []string{"RPS_MPS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "app-version",
		Value:   "1.0.0",
		Usage:   "application version reported to device clients",
		EnvVars: []string{"RPS_APP_VERSION"},
	},
	&cli.StringFlag{
		Name:    "protocol-version",
		Value:   "4.0.0",
		Usage:   "protocol version reported to device clients",
		EnvVars: []string{"RPS_PROTOCOL_VERSION"},
	},
}

func main() {
	app := &cli.App{
		Name:  "rps",
		Usage: "Remote provisioning service for Intel AMT devices",
		Flags: append(serviceFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			cfg.WebsocketPath = cCtx.String("websocket-path")

			secretStore, err := setupSecrets(cCtx, logger)
			if err != nil {
				logger.Error("Failed to create secrets store", "err", err)
				return err
			}

			storageFactory := storage.NewStorageBackendFactory(logger)
			backend, err := storageFactory.CreateMultiBackend(cCtx.StringSlice("storage"))
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}
			logger.Info("Using storage", "backend", backend.Name(), "location", backend.LocationURI())

			metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			profileManager := profiles.NewManager(backend, secretStore, logger)
			deviceRepo := devices.NewRepository(secretStore)

			appVersion := cCtx.String("app-version")
			protocolVersion := cCtx.String("protocol-version")
			store := session.NewStore()
			client := wsman.NewClient(appVersion, protocolVersion, logger)
			formatter := actions.NewResponseFormatter(appVersion, protocolVersion, logger)
			mps := actions.MPSCredentials{
				Username: cCtx.String("mps-username"),
				Password: cCtx.String("mps-password"),
			}
			if mps.Username == "" || mps.Password == "" {
				logger.Warn("MPS credentials not configured, activated devices will store empty MPS credentials")
			}

			executors := map[interfaces.WorkflowKind]interfaces.WorkflowExecutor{
				interfaces.KindAdminActivate: actions.NewAdminActivator(actions.AdminActivatorConfig{
					Store:     store,
					Client:    client,
					Profiles:  profileManager,
					Domains:   profileManager,
					Devices:   deviceRepo,
					MPS:       mps,
					Formatter: formatter,
					Log:       logger,
				}),
				interfaces.KindUserActivate: actions.NewClientActivator(actions.ClientActivatorConfig{
					Store:     store,
					Client:    client,
					Profiles:  profileManager,
					Devices:   deviceRepo,
					MPS:       mps,
					Formatter: formatter,
					Log:       logger,
				}),
				interfaces.KindDeactivate: actions.NewDeactivator(store, client, deviceRepo, formatter, logger),
				interfaces.KindCiraConfig: actions.NewCiraConfigurator(store, client, deviceRepo, formatter, logger),
			}

			ingress := actions.NewIngress(actions.IngressConfig{
				Parser:     parser.NewParser(),
				Validator:  actions.NewValidator(profileManager, profileManager),
				Store:      store,
				Client:     client,
				Dispatcher: actions.NewDispatcher(store, executors, formatter, logger),
				Formatter:  formatter,
				Metrics:    metricsSrv.Metrics(),
				Log:        logger,
			})

			deviceHandler := httpserver.NewDeviceHandler(httpserver.DeviceHandlerConfig{
				Processor:   ingress,
				Connections: client,
				Metrics:     metricsSrv.Metrics(),
				Log:         logger,
				ReadTimeout: cCtx.Duration("device-idle-timeout"),
			})

			var adminHandler *httpserver.AdminHandler
			if !cCtx.Bool("disable-admin-api") {
				adminHandler = httpserver.NewAdminHandler(profileManager, metricsSrv.Metrics(), logger)
			}

			server, err := httpserver.New(cfg, metricsSrv, deviceHandler, adminHandler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete", "openSessions", store.Len())

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupSecrets(cCtx *cli.Context, logger *slog.Logger) (interfaces.SecretStore, error) {
	vaultAddr := cCtx.String("vault-addr")
	if vaultAddr == "" {
		logger.Warn("Vault address not configured, secrets are kept in memory and lost on restart")
		return secrets.NewMemoryStore(), nil
	}

	token := cCtx.String("vault-token")
	if token == "" {
		return nil, errors.New("vault-token is required with vault-addr")
	}

	logger.Info("Using Vault secrets store", "address", vaultAddr, "mount", cCtx.String("vault-mount"))
	return secrets.NewVaultStore(vaultAddr, token, cCtx.String("vault-mount"), logger)
}
