/*
 * Created:       Tue Aug  4 17:15:00 2026 wtools
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

	"github.com/herumi/walb-tools/archived"
	"github.com/herumi/walb-tools/control"
	"github.com/herumi/walb-tools/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s -dir DIR\n", os.Args[0])
		flag.PrintDefaults()
	}
	controlAddr := flag.String("controlAddr", util.SOr(os.Getenv("WALBC_ARCHIVED_CONTROL_ADDR"), ":15000"), "controller listen address")
	peerAddr := flag.String("peerAddr", ":15001", "peer listen address")
	dir := flag.String("dir", "", "base directory for volume state, catalogs and base images")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	d := archived.New(*dir)

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

	var eg errgroup.Group
	eg.Go(func() error { return serveControl(d, ctrlLn) })
	eg.Go(func() error { return servePeer(d, peerLn) })
	eg.Go(func() error {
		<-sigCh
		log.Printf("archived: shutdown signal received")
		ctrlLn.Close()
		peerLn.Close()
		d.Conns.Wait()
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Printf("archived: %v", err)
	}
}

func serveControl(d *archived.Daemon, ln net.Listener) error {
	dispatch := d.Dispatch()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed for shutdown
		}
		d.Conns.Go(func() {
			if err := control.Serve(conn, "archived", dispatch.Route); err != nil {
				log.Printf("archived: control conn: %v", err)
			}
		})
	}
}

func servePeer(d *archived.Daemon, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed for shutdown
		}
		d.Conns.Go(func() {
			if err := d.ServePeerConn(conn); err != nil {
				log.Printf("archived: peer conn: %v", err)
			}
		})
	}
}
