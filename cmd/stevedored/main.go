// stevedored is the stevedore agent daemon: it hosts the container
// lifecycle engine, recovers the running fleet from the agent meta
// store and the runtime directory, and serves Prometheus metrics over
// HTTP until it receives SIGINT or SIGTERM. Launch, destroy and wait
// are methods of the engine; this binary exposes no endpoint for them.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rowanhq/stevedore/internal/config"
	"github.com/rowanhq/stevedore/internal/engine"
	"github.com/rowanhq/stevedore/internal/events"
	"github.com/rowanhq/stevedore/internal/fetcher"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/launcher"
	"github.com/rowanhq/stevedore/internal/logger"
	"github.com/rowanhq/stevedore/internal/provisioner"
	"github.com/rowanhq/stevedore/internal/state"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	workDir := flag.String("work_dir", cfg.WorkDir, "base directory for container sandboxes")
	runtimeDir := flag.String("runtime_dir", cfg.RuntimeDir, "engine checkpoint directory")
	metaDB := flag.String("meta_db", cfg.MetaDBPath, "agent meta database path")
	provisionerDir := flag.String("provisioner_dir", cfg.ProvisionerDir, "image rootfs directory")
	eventsDir := flag.String("events_dir", cfg.EventsDir, "lifecycle event log directory")
	launcherDir := flag.String("launcher_dir", cfg.LauncherDir, "directory containing stevedore-init")
	isolation := flag.String("isolation", strings.Join(cfg.Isolation, ","), "comma-separated isolator list")
	metricsAddr := flag.String("metrics_addr", "127.0.0.1:9250", "prometheus metrics listen address")
	flag.Parse()

	cfg.WorkDir = *workDir
	cfg.RuntimeDir = *runtimeDir
	cfg.MetaDBPath = *metaDB
	cfg.ProvisionerDir = *provisionerDir
	cfg.EventsDir = *eventsDir
	cfg.LauncherDir = *launcherDir
	cfg.Isolation = strings.Split(*isolation, ",")

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	meta, err := state.Open(cfg.MetaDBPath)
	if err != nil {
		log.Fatalf("open meta store: %v", err)
	}
	defer meta.Close()
	log.Printf("meta store: %s", cfg.MetaDBPath)

	prov, err := provisioner.NewImage(cfg.ProvisionerDir)
	if err != nil {
		log.Fatalf("init provisioner: %v", err)
	}

	isolators, err := buildIsolators(cfg.Isolation)
	if err != nil {
		log.Fatalf("init isolators: %v", err)
	}

	eng, err := engine.New(cfg, launcher.NewSubprocess(), prov,
		fetcher.NewDownload(), logger.NewSandbox(), isolators,
		prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}
	eng.SetMeta(meta)
	eng.SetEvents(events.NewStore(cfg.EventsDir))

	agentState, err := meta.LoadAgentState()
	if err != nil {
		log.Fatalf("load agent state: %v", err)
	}
	if err := eng.Recover(agentState); err != nil {
		log.Fatalf("recover: %v", err)
	}
	log.Printf("recovered %d containers", len(eng.Containers()))

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("stevedored shutting down")
}

// buildIsolators resolves configured isolation names. Unknown names
// are an error; duplicate handling happens in the engine.
func buildIsolators(names []string) ([]isolator.Isolator, error) {
	var out []isolator.Isolator
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch name {
		case "":
		case "filesystem/posix":
			out = append(out, isolator.NewPosixFilesystem())
		default:
			return nil, fmt.Errorf("unknown or unsupported isolator %q", name)
		}
	}
	return out, nil
}
