// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/params"

	"github.com/happychain/boopd/server/db/driver/badger"
	"github.com/happychain/boopd/server/db/driver/bolt"
	"github.com/happychain/boopd/server/db/driver/pg"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = "13001"
)

func Test_normalizeNetworkAddress(t *testing.T) {
	tests := []struct {
		listen  string
		want    string
		wantErr bool
	}{
		{
			listen: "[::1]",
			want:   "[::1]:13001",
		},
		{
			listen: "[::]:",
			want:   "[::]:13001",
		},
		{
			listen: "[fe80::1]:7222",
			want:   "[fe80::1]:7222",
		},
		{
			listen: "",
			want:   "127.0.0.1:13001",
		},
		{
			listen: "127.0.0.2",
			want:   "127.0.0.2:13001",
		},
		{
			listen: ":7222",
			want:   "127.0.0.1:7222",
		},
		{
			listen:  "http://127.0.0.1:7222",
			want:    "http://127.0.0.1:7222",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			got, err := normalizeNetworkAddress(tt.listen, defaultHost, defaultPort)
			if (err != nil) != tt.wantErr {
				t.Errorf("normalizeNetworkAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("normalizeNetworkAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func validFlags() flagsData {
	cfg := defaultFlags()
	cfg.ChainID = 216
	cfg.RPC = []string{"http://127.0.0.1:8545"}
	cfg.EntryPoint = "0x1111111111111111111111111111111111111111"
	cfg.ExecKeys = []string{"0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*flagsData)
		wantErr bool
	}{{
		name:   "ok",
		modify: func(*flagsData) {},
	}, {
		name:    "no chain ID",
		modify:  func(c *flagsData) { c.ChainID = 0 },
		wantErr: true,
	}, {
		name:    "no rpc",
		modify:  func(c *flagsData) { c.RPC = nil },
		wantErr: true,
	}, {
		name:    "bad entry point",
		modify:  func(c *flagsData) { c.EntryPoint = "0x1234" },
		wantErr: true,
	}, {
		name:    "no keys",
		modify:  func(c *flagsData) { c.ExecKeys = nil },
		wantErr: true,
	}, {
		name:    "bad listen",
		modify:  func(c *flagsData) { c.APIListen = "tcp://0.0.0.0" },
		wantErr: true,
	}, {
		name: "admin on",
		modify: func(c *flagsData) {
			c.AdminSrvOn = true
			c.AdminSrvAddr = "0.0.0.0"
		},
	}, {
		name: "bad admin address",
		modify: func(c *flagsData) {
			c.AdminSrvOn = true
			c.AdminSrvAddr = "https://0.0.0.0"
		},
		wantErr: true,
	}, {
		name: "ipv6 admin address",
		modify: func(c *flagsData) {
			c.AdminSrvOn = true
			c.AdminSrvAddr = "[::1]"
		},
	}, {
		name:   "bad admin address ignored when off",
		modify: func(c *flagsData) { c.AdminSrvAddr = "https://0.0.0.0" },
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validFlags()
			tt.modify(&cfg)
			bc, err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if bc.ChainID.Uint64() != 216 {
				t.Errorf("wrong chain ID %v", bc.ChainID)
			}
			if bc.APIListen != defaultAPIHost+":"+defaultAPIPort {
				t.Errorf("wrong listen address %s", bc.APIListen)
			}
			// Sends default to the read endpoints.
			if len(bc.SendRPC) != 1 || bc.SendRPC[0] != cfg.RPC[0] {
				t.Errorf("wrong send endpoints %v", bc.SendRPC)
			}
			if cfg.AdminSrvOn {
				want := net.JoinHostPort(strings.Trim(cfg.AdminSrvAddr, "[]"), defaultAdminSrvPort)
				if bc.AdminSrvAddr != want {
					t.Errorf("wrong admin address %s, wanted %s", bc.AdminSrvAddr, want)
				}
			}
			if !cfg.AdminSrvOn && bc.AdminSrvAddr != "" {
				t.Errorf("admin address %s set with admin server off", bc.AdminSrvAddr)
			}
			if bc.MaxPriorityFee.Cmp(new(big.Int).Mul(big.NewInt(defaultMaxPriorityFeeGwei), big.NewInt(params.GWei))) != 0 {
				t.Errorf("wrong max priority fee %v", bc.MaxPriorityFee)
			}
		})
	}
}

func TestDBConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := validFlags()
	cfg.DBPath = dir

	cfg.DBDriver = bolt.DriverName
	c, err := dbConfig(&cfg)
	if err != nil {
		t.Fatalf("bolt config error: %v", err)
	}
	if bc, ok := c.(*bolt.Config); !ok || bc.Path != filepath.Join(dir, "boopd.db") {
		t.Fatalf("wrong bolt config %#v", c)
	}

	cfg.DBDriver = badger.DriverName
	if c, err = dbConfig(&cfg); err != nil {
		t.Fatalf("badger config error: %v", err)
	}
	if _, ok := c.(*badger.Config); !ok {
		t.Fatalf("wrong badger config %#v", c)
	}

	cfg.DBDriver = pg.DriverName
	cfg.PGHost = "10.0.0.5:5433"
	if c, err = dbConfig(&cfg); err != nil {
		t.Fatalf("pg config error: %v", err)
	}
	pc, ok := c.(*pg.Config)
	if !ok || pc.Host != "10.0.0.5" || pc.Port != "5433" || pc.DBName != defaultPGDBName {
		t.Fatalf("wrong pg config %#v", c)
	}

	cfg.PGHost = "/run/postgresql"
	if c, err = dbConfig(&cfg); err != nil {
		t.Fatalf("pg socket config error: %v", err)
	}
	if pc = c.(*pg.Config); pc.Host != "/run/postgresql" || pc.Port != "" {
		t.Fatalf("wrong pg socket config %#v", pc)
	}

	cfg.PGHost = "nohostport"
	if _, err = dbConfig(&cfg); err == nil {
		t.Fatalf("no error for bad pg host")
	}

	cfg.DBDriver = "memory"
	if c, err = dbConfig(&cfg); err != nil || c != nil {
		t.Fatalf("wrong memory config %v, %v", c, err)
	}

	cfg.DBDriver = "mongo"
	if _, err = dbConfig(&cfg); err == nil {
		t.Fatalf("no error for unknown driver")
	}
}

func TestDebugLevels(t *testing.T) {
	if _, err := parseAndSetDebugLevels("info,NONC=debug,CHAN=trace"); err != nil {
		t.Fatalf("valid levels rejected: %v", err)
	}
	if _, err := parseAndSetDebugLevels("info,BOGUS=debug"); err == nil {
		t.Fatalf("unknown subsystem accepted")
	}
	if _, err := parseAndSetDebugLevels("loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}
