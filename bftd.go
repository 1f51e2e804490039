package main

import (
	"fmt"
	"net/http"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/bftnetwork/bftd/bftsig"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/kvexec"
	"github.com/bftnetwork/bftd/stats"
	"github.com/bftnetwork/bftd/store"
)

var shutdownChannel = make(chan struct{})

// bftdMain is the true entry point for bftd. This function is required
// since defers created in the top-level scope of a main method aren't
// executed if os.Exit() is called.
func bftdMain() error {
	// Load the configuration, and parse any command line options. This
	// function will also set up logging properly.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	bftdLog.Infof("Version %s", version())

	repCfg, err := loadReplicaConfig(cfg.ConfigFile)
	if err != nil {
		bftdLog.Errorf("unable to load replica config: %v", err)
		return err
	}

	// Load this replica's signing key and every peer's certificate. A
	// deployment without keys runs unsigned, which is only sane on
	// closed test networks.
	var keyRing *bftsig.KeyRing
	if repCfg.PrivateKeyFile != "" {
		privKey, err := bftsig.LoadPrivateKey(repCfg.PrivateKeyFile)
		if err != nil {
			bftdLog.Errorf("unable to load private key: %v", err)
			return err
		}
		keyRing = bftsig.NewKeyRing(repCfg.SelfID, privKey)

		for _, replica := range repCfg.Replicas {
			if replica.ID == repCfg.SelfID {
				continue
			}
			pub, err := bftsig.LoadCert(replica.CertFile)
			if err != nil {
				bftdLog.Errorf("unable to load cert of "+
					"replica %d: %v", replica.ID, err)
				return err
			}
			err = keyRing.AddPublicKey(replica.ID, pub)
			if err != nil {
				return err
			}
		}
	} else {
		bftdLog.Warnf("No private key configured, envelopes go out " +
			"unsigned")
	}

	// Open the backing store for application state and the committed
	// transaction log.
	var kvStore store.Store
	switch {
	case repCfg.LevelDBInfo != nil:
		bftdLog.Infof("Opening leveldb store at %v",
			repCfg.LevelDBInfo.Path)
		kvStore, err = store.OpenLevelDB(repCfg.LevelDBInfo)

	case repCfg.BoltInfo != nil:
		bftdLog.Infof("Opening bolt store at %v",
			repCfg.BoltInfo.Path)
		kvStore, err = store.OpenBolt(repCfg.BoltInfo)

	default:
		bftdLog.Infof("No durable store configured, state is " +
			"in-memory")
		kvStore = store.NewMemoryStore()
	}
	if err != nil {
		bftdLog.Errorf("unable to open store: %v", err)
		return err
	}
	defer kvStore.Close()

	// Stand up the metrics sink, exported when a metrics address is
	// configured.
	var statsc stats.Collector = stats.NoOp()
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		prom, err := stats.NewPromCollector(registry)
		if err != nil {
			return err
		}
		statsc = prom

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(
				registry, promhttp.HandlerOpts{},
			))
			bftdLog.Infof("Metrics listening on %s",
				cfg.MetricsAddr)
			err := http.ListenAndServe(cfg.MetricsAddr, mux)
			if err != nil {
				bftdLog.Errorf("metrics server: %v", err)
			}
		}()
	}

	executor := kvexec.NewExecutor(kvStore)

	server, err := newServer(cfg, repCfg, keyRing, executor, kvStore,
		statsc)
	if err != nil {
		srvrLog.Errorf("unable to create server: %v", err)
		return err
	}
	if err := server.Start(); err != nil {
		srvrLog.Errorf("unable to start server: %v", err)
		return err
	}

	self, _ := repCfg.self()
	quorum := consensus.Quorum{N: len(repCfg.Replicas)}
	bftdLog.Infof("Replica %d up: n=%d f=%d primary=%d", self.ID,
		quorum.N, quorum.F(), server.sysInfo.PrimaryID())

	addInterruptHandler(func() {
		bftdLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
	})

	// Wait for the shutdown signal from the interrupt handler.
	<-shutdownChannel
	bftdLog.Info("Shutdown complete")
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will
	// properly be executed in the case of a graceful shutdown.
	if err := bftdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok &&
			e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
