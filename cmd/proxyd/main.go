/*
 * Created:       Tue Aug  4 18:25:00 2026 wtools
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/proxyd"
	"github.com/herumi/walb-tools/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -dir DIR -archiveAddr HOST:PORT\n", os.Args[0])
		flag.PrintDefaults()
	}
	controlAddr := flag.String("controlAddr", util.SOr(os.Getenv("WALBC_PROXYD_CONTROL_ADDR"), ":14000"), "controller listen address")
	peerAddr := flag.String("peerAddr", ":14001", "peer listen address")
	archiveAddr := flag.String("archiveAddr", "", "archive daemon peer address to relay staged diffs to")
	dir := flag.String("dir", "", "base directory for staging catalogs")
	relayInterval := flag.Duration("relayInterval", 10*time.Second, "how often to sweep staged volumes for relay")
	flag.Parse()

	if *dir == "" || *archiveAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	d := proxyd.New(*dir, *archiveAddr)

	ctrlLn, err := net.Listen("tcp", *controlAddr)
	if err != nil {
		log.Fatal(err)
	}
	peerLn, err := net.Listen("tcp", *peerAddr)
	if err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stopRelay := make(chan struct{})

	var conns util.SimpleWaitGroup
	var eg errgroup.Group
	eg.Go(func() error { return serveControl(d, ctrlLn, &conns) })
	eg.Go(func() error { return servePeer(d, peerLn, &conns) })
	eg.Go(func() error { return relayLoop(d, *relayInterval, stopRelay) })
	eg.Go(func() error {
		<-sigCh
		log.Printf("proxyd: shutdown signal received")
		close(stopRelay)
		ctrlLn.Close()
		peerLn.Close()
		conns.Wait()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Printf("proxyd: %v", err)
	}
}

func serveControl(d *proxyd.Daemon, ln net.Listener, conns *util.SimpleWaitGroup) error {
	dispatch := d.Dispatch()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		conns.Go(func() {
			if err := control.Serve(conn, "proxyd", dispatch.Route); err != nil {
				log.Printf("proxyd: control conn: %v", err)
			}
		})
	}
}

func servePeer(d *proxyd.Daemon, ln net.Listener, conns *util.SimpleWaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		conns.Go(func() {
			if err := d.ServePeerConn(conn); err != nil {
				log.Printf("proxyd: peer conn: %v", err)
			}
		})
	}
}

// relayLoop periodically sweeps every volume known to the registry and
// relays whatever is staged for it, since nothing else drives Proxy's
// forwarding half forward on its own.
func relayLoop(d *proxyd.Daemon, interval time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			ids, err := d.StagedIds()
			if err != nil {
				log.Printf("proxyd: relay sweep: %v", err)
				continue
			}
			for _, id := range ids {
				if err := d.RelayOnce(id); err != nil {
					log.Printf("proxyd: relay %s: %v", id, err)
				}
			}
		}
	}
}
