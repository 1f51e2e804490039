package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/bftnetwork/bftd/consensus"
	"github.com/bftnetwork/bftd/store"
)

const (
	defaultConfigFilename = "bftd.json"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "bftd.log"
	defaultDebugLevel     = "info"

	defaultWorkerNum             = 16
	defaultInputWorkerNum        = 8
	defaultOutputWorkerNum       = 8
	defaultTCPBatchNum           = 100
	defaultClientBatchNum        = 100
	defaultClientBatchWaitTimeMs = 100
	defaultMaxProcessTxn         = 2048
	defaultClientTimeoutMs       = 10000
	defaultViewChangeTimeoutMs   = 60000
	defaultCheckpointWaterMark   = 5
)

var (
	bftdHomeDir       = appDataDir()
	defaultConfigFile = filepath.Join(bftdHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(bftdHomeDir, defaultLogDirname)
)

// appDataDir resolves the default application directory.
func appDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".bftd")
}

// config houses the command line options of the daemon. The replica set
// and protocol tunables live in the JSON document ConfigFile names.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to the JSON replica configuration"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or <subsystem>=<level> pairs"`
	MetricsAddr string `long:"metricsaddr" description:"Interface/port to export prometheus metrics on, disabled when empty"`
	Benchmark   bool   `long:"benchmark" description:"Run the client proxy as a synthetic load generator and drop client replies"`
}

// replicaConfig is the JSON document enumerating the fixed replica set,
// this replica's keys, and the protocol tunables.
type replicaConfig struct {
	// Replicas is the full, fixed replica set.
	Replicas []consensus.ReplicaInfo `json:"replicas"`

	// SelfID names which entry of Replicas this process runs as.
	SelfID uint32 `json:"self_id"`

	// PrivateKeyFile is the path of this replica's hex-encoded signing
	// key. Empty disables envelope signing.
	PrivateKeyFile string `json:"private_key_file"`

	WorkerNum             int `json:"worker_num"`
	InputWorkerNum        int `json:"input_worker_num"`
	OutputWorkerNum       int `json:"output_worker_num"`
	TCPBatchNum           int `json:"tcp_batch_num"`
	ClientBatchNum        int `json:"client_batch_num"`
	ClientBatchWaitTimeMs int `json:"client_batch_wait_time_ms"`
	MaxProcessTxn         int `json:"max_process_txn"`
	ClientTimeoutMs       int `json:"client_timeout_ms"`
	ViewChangeTimeoutMs   int `json:"view_change_timeout_ms"`
	CheckpointWaterMark   int `json:"checkpoint_water_mark"`

	EnableCheckpoint bool `json:"enable_checkpoint"`
	EnableViewChange bool `json:"enable_viewchange"`
	NeedQC           bool `json:"need_qc"`

	// LevelDBInfo selects the leveldb storage backend.
	LevelDBInfo *store.LevelDBConfig `json:"leveldb_info"`

	// BoltInfo selects the bolt storage backend.
	BoltInfo *store.BoltConfig `json:"bolt_info"`
}

// self returns this replica's entry of the replica set.
func (r *replicaConfig) self() (*consensus.ReplicaInfo, error) {
	for i := range r.Replicas {
		if r.Replicas[i].ID == r.SelfID {
			return &r.Replicas[i], nil
		}
	}
	return nil, fmt.Errorf("self id %d not present in replica set",
		r.SelfID)
}

// validate fills defaults and rejects malformed documents.
func (r *replicaConfig) validate() error {
	if len(r.Replicas) == 0 {
		return fmt.Errorf("replica set is empty")
	}
	seen := make(map[uint32]struct{})
	for _, replica := range r.Replicas {
		if replica.ID == 0 {
			return fmt.Errorf("replica ids must be non-zero")
		}
		if _, ok := seen[replica.ID]; ok {
			return fmt.Errorf("duplicate replica id %d",
				replica.ID)
		}
		seen[replica.ID] = struct{}{}
	}
	if _, err := r.self(); err != nil {
		return err
	}

	if r.WorkerNum == 0 {
		r.WorkerNum = defaultWorkerNum
	}
	if r.InputWorkerNum == 0 {
		r.InputWorkerNum = defaultInputWorkerNum
	}
	if r.OutputWorkerNum == 0 {
		r.OutputWorkerNum = defaultOutputWorkerNum
	}
	if r.TCPBatchNum == 0 {
		r.TCPBatchNum = defaultTCPBatchNum
	}
	if r.ClientBatchNum == 0 {
		r.ClientBatchNum = defaultClientBatchNum
	}
	if r.ClientBatchWaitTimeMs == 0 {
		r.ClientBatchWaitTimeMs = defaultClientBatchWaitTimeMs
	}
	if r.MaxProcessTxn == 0 {
		r.MaxProcessTxn = defaultMaxProcessTxn
	}
	if r.ClientTimeoutMs == 0 {
		r.ClientTimeoutMs = defaultClientTimeoutMs
	}
	if r.ViewChangeTimeoutMs == 0 {
		r.ViewChangeTimeoutMs = defaultViewChangeTimeoutMs
	}
	if r.CheckpointWaterMark == 0 {
		r.CheckpointWaterMark = defaultCheckpointWaterMark
	}
	return nil
}

// loadReplicaConfig parses and validates the JSON replica document.
func loadReplicaConfig(path string) (*replicaConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read replica config "+
			"%v: %v", path, err)
	}

	repCfg := &replicaConfig{}
	if err := json.Unmarshal(raw, repCfg); err != nil {
		return nil, fmt.Errorf("unable to parse replica config "+
			"%v: %v", path, err)
	}
	if err := repCfg.validate(); err != nil {
		return nil, err
	}
	return repCfg, nil
}

// loadConfig parses the command line, applies defaults, and initialises
// logging.
func loadConfig() (*config, error) {
	defaultCfg := config{
		ConfigFile: defaultConfigFile,
		LogDir:     defaultLogDir,
		DebugLevel: defaultDebugLevel,
	}

	cfg := defaultCfg
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, fmt.Errorf("%v\n%v", err, supportedSubsystems())
	}

	return &cfg, nil
}
