// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	flags "github.com/jessevdk/go-flags"

	"github.com/happychain/boopd/server/db"
	"github.com/happychain/boopd/server/db/driver/badger"
	"github.com/happychain/boopd/server/db/driver/bolt"
	"github.com/happychain/boopd/server/db/driver/pg"
	"github.com/happychain/boopd/sub"
)

const (
	defaultConfigFilename = "boopd.conf"
	defaultLogFilename    = "boopd.log"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultMaxLogZips     = 16
	defaultDBDriver       = bolt.DriverName
	defaultPGHost         = "127.0.0.1:5432"
	defaultPGUser         = "boopd"
	defaultPGDBName       = "boopd"
	defaultAPIHost        = "127.0.0.1"
	defaultAPIPort        = "3001"
	defaultAdminSrvPort   = "6542"
	defaultAdminSrvAddr   = defaultAPIHost + ":" + defaultAdminSrvPort
	defaultAdminCert      = "admin.cert"
	defaultAdminKey       = "admin.key"

	defaultMaxPriorityFeeGwei = 100
)

var (
	defaultAppDataDir = appDataDir("boopd")
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// boopConf is the data that is required to set up the submitter.
type boopConf struct {
	ChainID        *big.Int
	EntryPoint     common.Address
	ReadRPC        []string
	SendRPC        []string
	RPCRandom      bool
	RPCTimeout     time.Duration
	RPCQuarantine  time.Duration
	ExecKeys       []string
	APIListen      string
	PolicyFile     string
	DBDriver       string
	DBConfig       any
	MaxBlocked     int
	MaxBlockedSeq  int
	MaxNonceGap    uint64
	NonceWait      time.Duration
	ReceiptTimeout time.Duration
	ReplaceAfter   time.Duration
	MaxReplace     int
	FeeMarginPct   uint64
	MaxPriorityFee *big.Int
	SimCacheSize   uint32
	SimCacheTTL    time.Duration
	RateLimit      float64
	IPRateLimit    float64
	IPBurst        int
	AdminSrvOn     bool
	AdminSrvAddr   string
	AdminSrvPW     []byte
	AdminCert      string
	AdminKey       string
	LogMaker       *sub.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, optionally followed by subsystem levels, e.g. info,NONC=debug. Use show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	ChainID    uint64        `long:"chainid" description:"The chain ID. Every RPC endpoint is checked against it."`
	EntryPoint string        `long:"entrypoint" description:"Address of the default EntryPoint contract."`
	RPC        []string      `long:"rpc" description:"RPC endpoint URL for reads, in priority order. May be repeated."`
	SendRPC    []string      `long:"sendrpc" description:"RPC endpoint URL for transaction sends, in priority order. May be repeated. Defaults to the read endpoints."`
	RPCRandom  bool          `long:"rpcrandom" description:"Try non-preferred RPC endpoints in random order rather than priority order."`
	RPCTimeout time.Duration `long:"rpctimeout" description:"Timeout for a call to a single RPC endpoint."`
	Quarantine time.Duration `long:"rpcquarantine" description:"How long a failed RPC endpoint is skipped."`
	ExecKeys   []string      `long:"execkey" description:"Hex-encoded private key of an execution account. May be repeated."`
	APIListen  string        `long:"apilisten" description:"Address on which the HTTP API listens."`
	PolicyFile string        `long:"policy" description:"Path to an ini file with the [simulate] gas and fee policy."`

	MaxBlocked      int           `long:"maxblocked" description:"Maximum number of boops waiting on a lower nonce, across all accounts."`
	MaxBlockedTrack int           `long:"maxblockedtrack" description:"Maximum number of boops waiting on a lower nonce in one nonce track."`
	MaxNonceGap     uint64        `long:"maxnoncegap" description:"Furthest a boop's nonce may be ahead of its account's current nonce."`
	NonceWait       time.Duration `long:"noncewait" description:"How long a boop waits for a lower nonce to be submitted."`
	ReceiptTimeout  time.Duration `long:"receipttimeout" description:"How long an execute request waits for a receipt."`
	ReplaceAfter    time.Duration `long:"replaceafter" description:"How long a sent transaction may go unincluded before it is replaced with higher fees."`
	MaxReplace      int           `long:"maxreplace" description:"Maximum number of fee replacements of one transaction. Negative disables replacement."`
	FeeMarginPct    uint64        `long:"feemargin" description:"Margin over the live gas price, in percent, below which a boop's maxFeePerGas is too low."`
	MaxPriorityFee  uint64        `long:"maxpriorityfee" description:"Maximum priority fee in gwei when unsticking an execution account."`
	SimCacheSize    uint32        `long:"simcachesize" description:"Number of simulation results to cache."`
	SimCacheTTL     time.Duration `long:"simcachettl" description:"How long a simulation result is cached."`
	RateLimit       float64       `long:"ratelimit" description:"Request rate limit of the HTTP API in requests per second, for all clients together."`
	IPRateLimit     float64       `long:"ipratelimit" description:"Request rate limit of the HTTP API in requests per second, for one client."`
	IPBurst         int           `long:"ipburst" description:"Request burst allowed to one HTTP API client."`

	DBDriver string `long:"dbdriver" description:"Receipt database driver {bolt, badger, pg, memory}."`
	DBPath   string `long:"dbpath" description:"Database path for the bolt and badger drivers. Defaults to the data directory."`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:6542)."`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary. Prompted for if not set."`
	AdminCert    string `long:"admincert" description:"Admin server TLS certificate file. Generated with the key if neither exists."`
	AdminKey     string `long:"adminkey" description:"Admin server TLS private key file."`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`

	PGDBName string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser   string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass   string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost   string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
}

// appDataDir is the default home directory for the application.
func appDataDir(appName string) string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(".", "."+appName)
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.
	path = path[1:]

	pathSeparators := string(os.PathSeparator)
	if runtime.GOOS == "windows" {
		pathSeparators += "/"
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, len(subsystemNames))
	copy(subsystems, subsystemNames)
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*sub.LoggerMaker, error) {
	lm, err := sub.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if !isSubsystem(subsysID) {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
	}
	initLoggers(lm)
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// dbConfig builds the configuration for the selected DB driver.
func dbConfig(cfg *flagsData) (any, error) {
	switch cfg.DBDriver {
	case db.MemoryDriverName:
		return nil, nil
	case bolt.DriverName:
		return &bolt.Config{Path: filepath.Join(cfg.DBPath, "boopd.db")}, nil
	case badger.DriverName:
		return &badger.Config{Path: filepath.Join(cfg.DBPath, "badger")}, nil
	case pg.DriverName:
		pgc := &pg.Config{
			User:   cfg.PGUser,
			Pass:   cfg.PGPass,
			DBName: cfg.PGDBName,
		}
		// For UNIX sockets, do not attempt to parse out a port.
		if strings.HasPrefix(cfg.PGHost, "/") {
			pgc.Host = cfg.PGHost
			return pgc, nil
		}
		host, port, err := net.SplitHostPort(cfg.PGHost)
		if err != nil {
			return nil, fmt.Errorf("invalid DB host %q: %v", cfg.PGHost, err)
		}
		pgc.Host, pgc.Port = host, port
		return pgc, nil
	}
	return nil, fmt.Errorf("unknown DB driver %q, options are %v", cfg.DBDriver, db.Drivers())
}

// validate checks the chain options and builds the boopConf parts that don't
// depend on the file system.
func (cfg *flagsData) validate() (*boopConf, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("no chain ID specified, use --chainid")
	}
	if len(cfg.RPC) == 0 {
		return nil, errors.New("no RPC endpoints specified, use --rpc")
	}
	if !common.IsHexAddress(cfg.EntryPoint) {
		return nil, fmt.Errorf("invalid entry point address %q", cfg.EntryPoint)
	}
	if len(cfg.ExecKeys) == 0 {
		return nil, errors.New("no execution account keys specified, use --execkey")
	}
	listen, err := normalizeNetworkAddress(cfg.APIListen, defaultAPIHost, defaultAPIPort)
	if err != nil {
		return nil, err
	}
	var adminAddr string
	if cfg.AdminSrvOn {
		adminAddr, err = normalizeNetworkAddress(cfg.AdminSrvAddr, defaultAPIHost, defaultAdminSrvPort)
		if err != nil {
			return nil, err
		}
	}
	sendRPC := cfg.SendRPC
	if len(sendRPC) == 0 {
		sendRPC = cfg.RPC
	}
	return &boopConf{
		ChainID:        new(big.Int).SetUint64(cfg.ChainID),
		EntryPoint:     common.HexToAddress(cfg.EntryPoint),
		ReadRPC:        cfg.RPC,
		SendRPC:        sendRPC,
		RPCRandom:      cfg.RPCRandom,
		RPCTimeout:     cfg.RPCTimeout,
		RPCQuarantine:  cfg.Quarantine,
		ExecKeys:       cfg.ExecKeys,
		APIListen:      listen,
		MaxBlocked:     cfg.MaxBlocked,
		MaxBlockedSeq:  cfg.MaxBlockedTrack,
		MaxNonceGap:    cfg.MaxNonceGap,
		NonceWait:      cfg.NonceWait,
		ReceiptTimeout: cfg.ReceiptTimeout,
		ReplaceAfter:   cfg.ReplaceAfter,
		MaxReplace:     cfg.MaxReplace,
		FeeMarginPct:   cfg.FeeMarginPct,
		MaxPriorityFee: new(big.Int).Mul(new(big.Int).SetUint64(cfg.MaxPriorityFee), big.NewInt(params.GWei)),
		SimCacheSize:   cfg.SimCacheSize,
		SimCacheTTL:    cfg.SimCacheTTL,
		RateLimit:      cfg.RateLimit,
		IPRateLimit:    cfg.IPRateLimit,
		IPBurst:        cfg.IPBurst,
		AdminSrvOn:     cfg.AdminSrvOn,
		AdminSrvAddr:   adminAddr,
		AdminSrvPW:     []byte(cfg.AdminSrvPW),
		DBDriver:       cfg.DBDriver,
	}, nil
}

func defaultFlags() flagsData {
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:     defaultMaxLogZips,
		DebugLevel:     defaultLogLevel,
		DBDriver:       defaultDBDriver,
		PGDBName:       defaultPGDBName,
		PGUser:         defaultPGUser,
		PGHost:         defaultPGHost,
		MaxPriorityFee: defaultMaxPriorityFeeGwei,
		AdminSrvAddr:   defaultAdminSrvAddr,
		AdminCert:      defaultAdminCert,
		AdminKey:       defaultAdminKey,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*boopConf, *procOpts, error) {
	loadConfigError := func(err error) (*boopConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// A non-default appdata directory moves the default config file location,
	// but a config file specified on the command line is used regardless.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %w", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		if err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	bc, err := cfg.validate()
	if err != nil {
		return loadConfigError(err)
	}

	// Create the app data directory if it doesn't already exist.
	if err = os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return loadConfigError(fmt.Errorf("failed to create home directory: %w", err))
	}

	// If datadir or logdir are defaults or non-default relative paths, prepend
	// the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}

	// The data directory is namespaced per chain, since receipts and boop
	// hashes are chain-specific.
	chainDir := fmt.Sprintf("chain-%d", cfg.ChainID)
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), chainDir)
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return loadConfigError(err)
	}
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), chainDir)
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir
	} else {
		cfg.DBPath = cleanAndExpandPath(cfg.DBPath)
	}
	if cfg.PolicyFile != "" {
		bc.PolicyFile = cleanAndExpandPath(cfg.PolicyFile)
		if !filepath.IsAbs(bc.PolicyFile) {
			bc.PolicyFile = filepath.Join(cfg.AppDataDir, bc.PolicyFile)
		}
	}

	// Relative admin TLS paths are in the app data directory. The pair is
	// shared by all chains.
	bc.AdminCert, bc.AdminKey = cleanAndExpandPath(cfg.AdminCert), cleanAndExpandPath(cfg.AdminKey)
	if !filepath.IsAbs(bc.AdminCert) {
		bc.AdminCert = filepath.Join(cfg.AppDataDir, bc.AdminCert)
	}
	if !filepath.IsAbs(bc.AdminKey) {
		bc.AdminKey = filepath.Join(cfg.AppDataDir, bc.AdminKey)
	}

	if bc.DBConfig, err = dbConfig(&cfg); err != nil {
		return loadConfigError(err)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	if err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips); err != nil {
		return loadConfigError(err)
	}

	// Parse, validate, and set debug log level(s).
	bc.LogMaker, err = parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return bc, opts, nil
}
