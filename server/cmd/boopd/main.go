// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/happychain/boopd/boop"
	"github.com/happychain/boopd/server/account"
	"github.com/happychain/boopd/server/admin"
	"github.com/happychain/boopd/server/api"
	"github.com/happychain/boopd/server/chain"
	"github.com/happychain/boopd/server/db"
	_ "github.com/happychain/boopd/server/db/driver/badger" // register badger driver
	_ "github.com/happychain/boopd/server/db/driver/bolt"   // register bolt driver
	_ "github.com/happychain/boopd/server/db/driver/pg"     // register pg driver
	"github.com/happychain/boopd/server/entrypoint"
	"github.com/happychain/boopd/server/nonce"
	"github.com/happychain/boopd/server/receipt"
	"github.com/happychain/boopd/server/resync"
	"github.com/happychain/boopd/server/simulate"
	"github.com/happychain/boopd/server/submit"
	"github.com/happychain/boopd/sub"
)

// cacheSweepInterval is how often expired simulation results are evicted.
const cacheSweepInterval = time.Minute

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load boopd config: %v\n", err)
		return err
	}
	defer closeLogRotator()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			for i := range cfg.AdminSrvPW {
				cfg.AdminSrvPW[i] = 0
			}
		}
	}

	if opts.CPUProfile != "" {
		var f *os.File
		f, err = os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// HTTP profiler
	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		// http pprof uses http.DefaultServeMux
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe("127.0.0.1:9232", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	startTime := time.Now()

	// Display app version.
	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())
	log.Infof("boopd starting for chain %d with entry point %s", cfg.ChainID, cfg.EntryPoint)

	lm := cfg.LogMaker
	var closers sub.Closers
	defer closers.Close(log)

	accounts, err := account.NewPool(cfg.ExecKeys, cfg.ChainID)
	if err != nil {
		return fmt.Errorf("error loading execution accounts: %w", err)
	}
	for _, a := range accounts.Accounts() {
		log.Infof("Execution account %s", a.Address)
	}

	newClient := func(name string, endpoints []string) (*chain.Client, error) {
		c, err := chain.NewClient(&chain.Config{
			Name:           name,
			Endpoints:      endpoints,
			ChainID:        cfg.ChainID,
			RequestTimeout: cfg.RPCTimeout,
			Quarantine:     cfg.RPCQuarantine,
			Random:         cfg.RPCRandom,
			Log:            lm.SubLogger(subsysChain, name),
		})
		if err != nil {
			return nil, err
		}
		if err = c.Connect(ctx); err != nil {
			return nil, err
		}
		closers.Add(func() error { c.Close(); return nil })
		return c, nil
	}
	reader, err := newClient("read", cfg.ReadRPC)
	if err != nil {
		return err
	}
	writer, err := newClient("send", cfg.SendRPC)
	if err != nil {
		return err
	}

	store, err := db.Open(ctx, cfg.DBDriver, cfg.DBConfig)
	if err != nil {
		return fmt.Errorf("error opening %s database: %w", cfg.DBDriver, err)
	}
	closers.Add(store.Close)
	log.Infof("Using %s receipt database", cfg.DBDriver)

	var policy *simulate.Policy
	if cfg.PolicyFile != "" {
		if policy, err = simulate.LoadPolicy(cfg.PolicyFile); err != nil {
			return err
		}
		log.Infof("Loaded policy file %s", cfg.PolicyFile)
	}

	// Simulations are run as if sent by the first execution account.
	caller := entrypoint.New(reader, accounts.Accounts()[0].Address)
	cache := simulate.NewCache(cfg.SimCacheSize, cfg.SimCacheTTL)
	simLog := lm.NewLogger(subsysSimulate)
	engine, err := simulate.NewEngine(&simulate.Config{
		Contract: caller,
		Chain:    reader,
		ChainID:  cfg.ChainID,
		Policy:   policy,
		Cache:    cache,
		OnMisbehavior: func(b *boop.Boop, out *simulate.Output) {
			simLog.Infof("Boop from %s failed simulation with %s: %s", b.Account, out.Status, out.Description)
		},
		Log: simLog,
	})
	if err != nil {
		return err
	}

	nonces, err := nonce.NewManager(&nonce.Config{
		Reader:             caller,
		ChainID:            cfg.ChainID,
		MaxBlockedPerTrack: cfg.MaxBlockedSeq,
		MaxTotalBlocked:    cfg.MaxBlocked,
		MaxNonceGap:        cfg.MaxNonceGap,
		WaitTimeout:        cfg.NonceWait,
		Log:                lm.NewLogger(subsysNonce),
	})
	if err != nil {
		return err
	}

	resyncer, err := resync.NewService(&resync.Config{
		Chain:          writer,
		Accounts:       accounts,
		MaxPriorityFee: cfg.MaxPriorityFee,
		Log:            lm.NewLogger(subsysResync),
	})
	if err != nil {
		return err
	}

	// The receipt service reports new receipts to the submitter, which is
	// created below. No receipt can arrive before the services are started.
	var submitter *submit.Submitter
	receipts, err := receipt.NewService(&receipt.Config{
		Chain:     reader,
		Store:     store,
		ChainID:   cfg.ChainID,
		OnReceipt: func(r *boop.Receipt) { submitter.HandleReceipt(r) },
		Log:       lm.NewLogger(subsysReceipt),
	})
	if err != nil {
		return err
	}

	submitter, err = submit.NewSubmitter(&submit.Config{
		ChainID:         cfg.ChainID,
		EntryPoint:      cfg.EntryPoint,
		Simulator:       engine,
		Cache:           cache,
		Nonces:          nonces,
		Receipts:        receipts,
		Writer:          writer,
		Accounts:        accounts,
		Resyncer:        resyncer,
		Store:           store,
		ReceiptTimeout:  cfg.ReceiptTimeout,
		ReplaceAfter:    cfg.ReplaceAfter,
		MaxReplacements: cfg.MaxReplace,
		MinFeeMarginPct: cfg.FeeMarginPct,
		Log:             lm.NewLogger(subsysSubmit),
	})
	if err != nil {
		return err
	}

	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = submit.DefaultReceiptTimeout
	}
	apiServer, err := api.NewServer(&api.Config{
		Core:           submitter,
		Addr:           cfg.APIListen,
		ExecuteTimeout: receiptTimeout + 10*time.Second,
		RatePerSec:     cfg.RateLimit,
		IPRatePerSec:   cfg.IPRateLimit,
		IPBurst:        cfg.IPBurst,
		Log:            lm.NewLogger(subsysAPI),
	})
	if err != nil {
		return fmt.Errorf("cannot set up API server: %w", err)
	}

	var adminServer *admin.Server
	if cfg.AdminSrvOn {
		adminServer, err = admin.NewServer(&admin.SrvConfig{
			Core: &adminCore{
				chainID:    cfg.ChainID,
				entryPoint: cfg.EntryPoint,
				start:      startTime,
				accounts:   accounts,
				resyncer:   resyncer,
				nonces:     nonces,
				receipts:   receipts,
				cache:      cache,
				submitter:  submitter,
				clients:    map[string]reconfigurer{"read": reader, "send": writer},
			},
			Addr:    cfg.AdminSrvAddr,
			Cert:    cfg.AdminCert,
			Key:     cfg.AdminKey,
			AuthSHA: adminSrvAuthSHA,
			Log:     lm.NewLogger(subsysAdmin),
		})
		if err != nil {
			return fmt.Errorf("cannot set up admin server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { nonces.Run(gctx); return nil })
	g.Go(func() error { receipts.Run(gctx); return nil })
	g.Go(func() error { resyncer.Run(gctx); return nil })
	g.Go(func() error { submitter.Run(gctx); return nil })
	g.Go(func() error {
		ticker := time.NewTicker(cacheSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cache.EvictExpired()
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error { return apiServer.Run(gctx) })
	if adminServer != nil {
		g.Go(func() error { adminServer.Run(gctx); return nil })
	}

	log.Info("boopd is running. Hit CTRL+C to quit...")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Shutting down on error: %v", err)
	}

	log.Info("Bye!")
	return err
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("Shutting down...")
		cancel()
	}()

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
