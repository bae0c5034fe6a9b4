package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkdoc/docsync/internal/auth"
	"github.com/inkdoc/docsync/internal/buildinfo"
	"github.com/inkdoc/docsync/internal/config"
	"github.com/inkdoc/docsync/internal/docmanager"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "gen-auth":
		runGenAuth(os.Args[2:])
	case "version":
		fmt.Printf("docserver %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: docserver <serve|gen-auth|version> [flags]")
}

func runGenAuth(args []string) {
	fs := flag.NewFlagSet("gen-auth", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print the generated key as JSON")
	_ = fs.Parse(args)

	authn, err := auth.GenerateKey()
	if err != nil {
		fatalf("gen-auth: %v", err)
	}

	if *jsonOut {
		out, _ := json.Marshal(map[string]string{
			"private_key": authn.PrivateKey(),
			"server_token": authn.ServerToken(),
		})
		fmt.Println(string(out))
		return
	}

	fmt.Printf("DOCSYNC_AUTH_KEY=%s\n", authn.PrivateKey())
	fmt.Printf("server token (embed in client connection URL): %s\n", authn.ServerToken())
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "listen host, overrides DOCSYNC_HOST")
	port := fs.Int("port", 0, "listen port, overrides DOCSYNC_PORT")
	store := fs.String("store", "", "store location (filesystem path or s3://bucket/prefix), overrides DOCSYNC_STORE")
	authKey := fs.String("auth", "", "private auth key, overrides DOCSYNC_AUTH_KEY")
	configFile := fs.String("config", os.Getenv("DOCSYNC_CONFIG_FILE"), "path to an optional YAML config file, overridden by env vars and flags")
	_ = fs.Parse(args)

	if err := loadFileConfigDefaults(*configFile); err != nil {
		fatalf("%v", err)
	}

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}
	if *host != "" {
		envCfg.Host = *host
	}
	if *port != 0 {
		envCfg.Port = *port
	}
	if *store != "" {
		envCfg.StoreURL = *store
	}
	if *authKey != "" {
		envCfg.AuthPrivateKey = *authKey
	}

	backingStore, err := storeFromConfig(envCfg)
	if err != nil {
		fatalf("%v", err)
	}

	var authn *auth.Authenticator
	if envCfg.AuthPrivateKey != "" {
		authn, err = auth.New(envCfg.AuthPrivateKey)
		if err != nil {
			fatalf("auth: %v", err)
		}
		if auth.IsWeakToken(envCfg.AuthPrivateKey) {
			log.Println("[docserver] warning: DOCSYNC_AUTH_KEY looks weak; consider `docserver gen-auth`")
		}
	} else {
		log.Println("[docserver] warning: no auth key configured, all documents are open")
	}

	mgr := docmanager.New(docmanager.Config{
		Store:              backingStore,
		CheckpointInterval: envCfg.CheckpointInterval,
		EvictionGrace:      envCfg.EvictionGrace,
		JanitorSchedule:    envCfg.JanitorSchedule,
		StaleAfter:         envCfg.StaleAfter,
	})

	srv := newServer(mgr, authn, envCfg.URLPrefix, config.NewRuntimeConfig(envCfg))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", envCfg.Host, envCfg.Port),
		Handler: srv.routes(),
	}

	go func() {
		log.Printf("[docserver] listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	<-quit
	log.Println("[docserver] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[docserver] http shutdown error: %v", err)
	}
	if err := mgr.Drain(ctx); err != nil {
		log.Printf("[docserver] drain error: %v", err)
	}
	mgr.Close()
	log.Println("[docserver] stopped")
}

func fatalf(format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(1)
}
