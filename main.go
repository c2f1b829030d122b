package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	var localForwards, remoteForwards, dynamicForwards forwardFlags

	// --config=tunnels.yaml
	configPtr := flag.String("config", "", "YAML file declaring the tunnels to open.")

	// --secrets=secrets.env
	secretsPtr := flag.String("secrets", "secrets.env", "Env file holding passwords and keys referenced by tunnels.")

	// --log=info
	logPtr := flag.String("log", "info", "Log level: debug, info, warn, or error.")

	// --listen=localhost:7070
	listenPtr := flag.String("listen", "", "Address for the HTTP control API. Overrides SSHFORWARD_LISTEN_ADDR.")

	// --pprof=6060
	// Spin up pprof endpoints at port 6060
	pprofPtr := flag.Int("pprof", 0, "port number to spin up pprof endpoints for. Useful for debugging and troubleshooting.")

	// --ssh=user@host:22 -i ~/.ssh/id_ed25519
	sshPtr := flag.String("ssh", "", "SSH destination user@host[:port] for -L, -R and -D forwards.")
	identityPtr := flag.String("i", "", "Private key file for --ssh.")
	passwordEnvPtr := flag.String("password-env", "SSH_PASSWORD", "Env variable holding the password for --ssh when -i is not set.")

	flag.Var(&localForwards, "L", "Local forward [bind_address:]port:host:hostport. Repeatable.")
	flag.Var(&remoteForwards, "R", "Remote forward [bind_address:]port:host:hostport. Repeatable.")
	flag.Var(&dynamicForwards, "D", "SOCKS5 forward [bind_address:]port. Repeatable.")

	flag.Parse()

	log.SetOutput(os.Stdout)

	logLevel, err := log.ParseLevel(*logPtr)
	if err != nil {
		log.Fatalf("An error occured parsing log level: %s", err)
	}
	log.SetLevel(logLevel)

	if *secretsPtr != "" {
		if err := godotenv.Load(*secretsPtr); err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				log.Fatalf("An error occured reading %s: %s", *secretsPtr, err)
			}
			log.Debugf("No secrets file at %s", *secretsPtr)
		}
	}

	settings, err := loadSettings()
	if err != nil {
		log.Fatal(err)
	}
	if *listenPtr != "" {
		settings.ListenAddr = *listenPtr
	}

	var tunnels []TunnelConfig
	if *configPtr != "" {
		tunnels, err = loadTunnelsFile(*configPtr)
		if err != nil {
			log.Fatal(err)
		}
	}
	flagTunnels, err := tunnelsFromFlags(*sshPtr, *identityPtr, *passwordEnvPtr, localForwards, remoteForwards, dynamicForwards)
	if err != nil {
		log.Fatal(err)
	}
	tunnels = append(tunnels, flagTunnels...)

	if len(tunnels) == 0 && settings.ListenAddr == "" {
		log.Fatalln("Nothing to do: declare tunnels with --config, -L, -R or -D, or enable the control API with --listen.")
	}

	hostKeyCallback, err := newHostKeyCallback(settings.HostKeyCheck, settings.KnownHosts)
	if err != nil {
		log.Fatal(err)
	}
	dialer, err := newSSHDialer(settings.transportOptions(), hostKeyCallback, settings.Proxy)
	if err != nil {
		log.Fatal(err)
	}

	service := NewService(dialer, NewBus(), settings.StatsInterval)
	metrics := newTunnelMetrics()
	service.Subscribe(metrics.Observe)
	service.Subscribe(func(cfg TunnelConfig) {
		log.WithFields(log.Fields{
			"tunnel":      cfg.ID,
			"status":      cfg.Status,
			"connections": cfg.Connections,
			"bytesIn":     cfg.BytesIn,
			"bytesOut":    cfg.BytesOut,
		}).Debugln("status")
	})

	cancellationCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	for _, cfg := range tunnels {
		wg.Add(1)
		go func(cfg TunnelConfig) {
			defer wg.Done()
			if err := service.Create(cancellationCtx, cfg); err != nil {
				log.Errorf("Could not open tunnel %s: %s", cfg.ID, err)
			}
		}(cfg)
	}

	var apiSrv *http.Server
	if settings.ListenAddr != "" {
		apiSrv = &http.Server{
			Addr:              settings.ListenAddr,
			Handler:           newAPIRouter(service, metrics.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Listening for control API requests at %s...", apiSrv.Addr)
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Control API stopped: %s", err)
			}
		}()
	}

	// Did we specify pprof port?
	var srv *http.Server
	if pprofPtr != nil && *pprofPtr > 0 {
		srv = &http.Server{
			Addr: "localhost:" + strconv.Itoa(*pprofPtr),
		}
		go func() {
			log.Infof("Listening for HTTP pprof requests at %s...", srv.Addr)
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Infof("Shutting down HTTP server at %s...", srv.Addr)
			}
		}()
	}

	<-quit
	log.Println("Shutting down...")
	cancelBackground()
	wg.Wait()

	if apiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiSrv.Shutdown(ctx)
		cancel()
	}
	if srv != nil {
		srv.Close()
	}

	service.CloseAll()
	log.Infoln("Exiting")
}

// tunnelsFromFlags turns -L, -R and -D flags into tunnel configs sharing the
// --ssh destination and credentials.
func tunnelsFromFlags(dest, identity, passwordEnv string, local, remote, dynamic forwardFlags) ([]TunnelConfig, error) {
	if len(local)+len(remote)+len(dynamic) == 0 {
		return nil, nil
	}
	if dest == "" {
		return nil, errors.New("-L, -R and -D need --ssh user@host[:port]")
	}
	user, host, port, err := parseSSHDestination(dest)
	if err != nil {
		return nil, err
	}

	entry := tunnelEntry{PasswordEnv: passwordEnv}
	if identity != "" {
		entry = tunnelEntry{PrivateKeyFile: identity}
	}

	var configs []TunnelConfig
	add := func(kind TunnelKind, specs forwardFlags) error {
		for _, spec := range specs {
			cfg, err := parseForwardSpec(kind, spec)
			if err != nil {
				return err
			}
			cfg.SSHHost, cfg.SSHPort, cfg.SSHUsername = host, port, user
			e := entry
			e.TunnelConfig = cfg
			if cfg, err = e.resolve(); err != nil {
				return err
			}
			configs = append(configs, cfg)
		}
		return nil
	}
	if err := add(LocalTunnel, local); err != nil {
		return nil, err
	}
	if err := add(RemoteTunnel, remote); err != nil {
		return nil, err
	}
	if err := add(DynamicTunnel, dynamic); err != nil {
		return nil, err
	}
	return configs, nil
}
